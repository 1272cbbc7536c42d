package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubModel struct {
	dim   int
	short bool
	err   error
}

func (s stubModel) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	n := len(texts)
	if s.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, s.dim)
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

func (s stubModel) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := s.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func TestEmbedder_EmbedBatch(t *testing.T) {
	testCases := []struct {
		name    string
		model   stubModel
		dim     int
		texts   []string
		wantErr bool
	}{
		{name: "ok", model: stubModel{dim: 3}, dim: 3, texts: []string{"a", "bb"}},
		{name: "dimension unchecked", model: stubModel{dim: 5}, texts: []string{"a"}},
		{name: "empty input", model: stubModel{err: errors.New("unused")}, dim: 3, texts: nil},
		{name: "dimension mismatch", model: stubModel{dim: 2}, dim: 3, texts: []string{"a"}, wantErr: true},
		{name: "count mismatch", model: stubModel{dim: 3, short: true}, dim: 3, texts: []string{"a", "b"}, wantErr: true},
		{name: "provider error", model: stubModel{err: errors.New("connection refused")}, dim: 3, texts: []string{"a"}, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewWithModel(tc.model, "stub", tc.dim, zaptest.NewLogger(t))
			got, err := e.EmbedBatch(context.Background(), tc.texts)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, len(tc.texts))
		})
	}
}

func TestEmbedder_Embed(t *testing.T) {
	e := NewWithModel(stubModel{dim: 2}, "stub", 2, nil)
	v, err := e.Embed(context.Background(), "abcd")
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 0}, v)
	assert.Equal(t, "stub", e.Model())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.False(t, Config{}.Enabled())
	assert.NoError(t, Config{Provider: ProviderOllama, Model: "bge-m3"}.Validate())
	assert.Error(t, Config{Provider: ProviderOpenAI, Model: "text-embedding-3-small"}.Validate())
	assert.Error(t, Config{Provider: ProviderOllama}.Validate())
	assert.Error(t, Config{Provider: "fastembed", Model: "x"}.Validate())
}

func TestNew_Ollama(t *testing.T) {
	e, err := New(Config{Provider: ProviderOllama, Model: "bge-m3", ServerURL: "http://127.0.0.1:11434"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "bge-m3", e.Model())
}
