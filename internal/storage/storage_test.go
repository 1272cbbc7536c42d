package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/canonical"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/scheduler"
)

func TestCleanEndpoint(t *testing.T) {
	testCases := []struct {
		endpoint string
		want     string
		wantErr  bool
	}{
		{endpoint: "localhost:9000", want: "localhost:9000"},
		{endpoint: "http://minio:9000", want: "minio:9000"},
		{endpoint: "https://s3.example.com/", want: "s3.example.com"},
		{endpoint: "https://s3.example.com/bucket", wantErr: true},
		{endpoint: "minio:9000/bucket", wantErr: true},
		{endpoint: "", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.endpoint, func(t *testing.T) {
			got, err := cleanEndpoint(tc.endpoint)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "fenbi/2024/03/09/11", objectKey("", "fenbi/2024/03/09/11"))
	assert.Equal(t, "139/fenbi/2024/03/09/11", objectKey("/139/", "fenbi/2024/03/09/11"))
}

func TestHTTPFetcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "png-bytes")
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), Config{Retries: 3, RetryBackoffMs: 1}, zaptest.NewLogger(t))
	body, contentType, err := f.Fetch(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(body))
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPFetcher_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), Config{Retries: 3, RetryBackoffMs: 1}, zaptest.NewLogger(t))
	_, _, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcher_RejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "0123456789")
	}))
	defer srv.Close()

	f := NewHTTPFetcher(srv.Client(), Config{Retries: 1, MaxObjectSize: 4}, nil)
	_, _, err := f.Fetch(context.Background(), srv.URL)
	assert.Error(t, err)
}

func TestCalculateBackoff(t *testing.T) {
	f := NewHTTPFetcher(nil, Config{RetryBackoffMs: 100}, nil)
	assert.Equal(t, 100*time.Millisecond, f.calculateBackoff(1))
	assert.Equal(t, 400*time.Millisecond, f.calculateBackoff(3))
	assert.True(t, isRetriableError(errors.New("unexpected status 502 Bad Gateway")))
	assert.False(t, isRetriableError(errors.New("unexpected status 403 Forbidden")))
}

type memClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemClient() *memClient {
	return &memClient{objects: make(map[string][]byte)}
}

func (c *memClient) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, _ PutOptions) error {
	if c.putErr != nil {
		return c.putErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(b)) != size {
		return fmt.Errorf("size mismatch")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[bucket+"/"+key] = b
	return nil
}

func (c *memClient) HeadObject(_ context.Context, bucket, key string) (ObjectInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.objects[bucket+"/"+key]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: key, Size: int64(len(b))}, nil
}

func (c *memClient) EnsureBucket(context.Context, string) error { return nil }

type memAssets struct {
	assets []canonical.Asset
	stored map[int64]string
}

func (m *memAssets) MaxAssetID(context.Context) (int64, error) {
	var last int64
	for _, a := range m.assets {
		if a.ID > last {
			last = a.ID
		}
	}
	return last, nil
}

func (m *memAssets) PendingAssets(_ context.Context, after, upTo int64, limit int) ([]canonical.Asset, error) {
	var out []canonical.Asset
	for _, a := range m.assets {
		if _, done := m.stored[a.ID]; done || a.ID <= after || a.ID > upTo {
			continue
		}
		out = append(out, a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memAssets) MarkAssetStored(_ context.Context, id int64, p string) error {
	m.stored[id] = p
	return nil
}

type countingFetcher struct {
	calls int
	err   error
}

func (f *countingFetcher) Fetch(context.Context, string) ([]byte, string, error) {
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	return []byte("img"), "image/jpeg", nil
}

func newTestAssets() *memAssets {
	created := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	return &memAssets{
		assets: []canonical.Asset{
			{ID: 1, SrcType: "fenbi", SrcURL: "https://img/1", Created: created},
			{ID: 2, SrcType: "fenbi", SrcURL: "https://img/2", Created: created},
			{ID: 3, SrcType: "offcn", SrcURL: "https://img/3", Created: created},
		},
		stored: map[int64]string{2: "fenbi/2024/03/09/2"},
	}
}

func TestAssetAdapter_WritesEveryPrefixThenLinksBack(t *testing.T) {
	repo := newTestAssets()
	client := newMemClient()
	fetcher := &countingFetcher{}
	a := NewAssetAdapter(repo, client, fetcher, Config{Bucket: "assets", Prefixes: []string{"139", "uc"}}, zaptest.NewLogger(t))
	ctx := context.Background()

	total, err := a.ComputeTotal(ctx, StageSaveAssets)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	rows, err := a.Extract(ctx, StageSaveAssets, 0, total, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []int64{1, 3}, []int64{rows[0].ID, rows[1].ID})

	for _, row := range rows {
		id, err := a.Load(ctx, StageSaveAssets, row)
		require.NoError(t, err)
		assert.Equal(t, row.ID, id)
	}

	assert.Equal(t, 2, fetcher.calls)
	assert.Contains(t, client.objects, "assets/139/fenbi/2024/03/09/1")
	assert.Contains(t, client.objects, "assets/uc/offcn/2024/03/09/3")
	assert.Len(t, client.objects, 4)
	assert.Equal(t, "offcn/2024/03/09/3", repo.stored[3])
}

func TestAssetAdapter_SkipExistingAvoidsDownload(t *testing.T) {
	repo := newTestAssets()
	client := newMemClient()
	client.objects["assets/fenbi/2024/03/09/1"] = []byte("old")
	fetcher := &countingFetcher{}
	a := NewAssetAdapter(repo, client, fetcher, Config{Bucket: "assets", SkipExisting: true}, nil)

	_, err := a.Load(context.Background(), StageSaveAssets, scheduler.Row{ID: 1, Data: repo.assets[0]})
	require.NoError(t, err)
	assert.Equal(t, 0, fetcher.calls)
	assert.Equal(t, "fenbi/2024/03/09/1", repo.stored[1])
}

func TestAssetAdapter_FailureLeavesMarkerUnset(t *testing.T) {
	repo := newTestAssets()
	client := newMemClient()
	client.putErr = errors.New("connection reset")
	a := NewAssetAdapter(repo, client, &countingFetcher{}, Config{Bucket: "assets"}, nil)

	_, err := a.Load(context.Background(), StageSaveAssets, scheduler.Row{ID: 1, Data: repo.assets[0]})
	require.Error(t, err)
	_, marked := repo.stored[1]
	assert.False(t, marked)

	_, err = a.Load(context.Background(), StageSaveAssets, scheduler.Row{ID: 1, Data: "bogus"})
	assert.Error(t, err)
}
