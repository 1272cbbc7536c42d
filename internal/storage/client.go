package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by HeadObject for a missing key
var ErrObjectNotFound = errors.New("storage: object not found")

// Client is the subset of S3 operations the asset sink needs
type Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) error
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	EnsureBucket(ctx context.Context, bucket string) error
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Config contains client configuration. Every asset is written once under
// each prefix.
type Config struct {
	Endpoint  string   `yaml:"endpoint"`
	AccessKey string   `yaml:"access_key"`
	SecretKey string   `yaml:"secret_key"`
	Secure    bool     `yaml:"secure"`
	Bucket    string   `yaml:"bucket"`
	Prefixes  []string `yaml:"prefixes"`

	SkipExisting   bool  `yaml:"skip_existing"`
	Retries        int   `yaml:"retries"`
	RetryBackoffMs int   `yaml:"retry_backoff_ms"`
	MaxObjectSize  int64 `yaml:"max_object_size"`
}

// Enabled reports whether an endpoint is configured
func (c Config) Enabled() bool {
	return c.Endpoint != ""
}
