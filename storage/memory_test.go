package storage_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/badu/streamform/storage"
)

func TestMemoryBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := storage.NewMemoryBackend()

	h, err := b.Begin(ctx, storage.PartMeta{FieldName: "file", OriginalFileName: "t.txt", HasFileName: true, ContentType: "text/plain"})
	require.NoError(t, err)

	require.NoError(t, b.Write(ctx, h, []byte("hel")))
	require.NoError(t, b.Write(ctx, h, []byte("lo")))

	stored, err := b.Finish(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "file", stored.FieldName)
	assert.Equal(t, "t.txt", stored.OriginalFileName)
	assert.EqualValues(t, 5, stored.Size)
	assert.NotEmpty(t, stored.StorageKey)

	data, ok := b.Get(stored.StorageKey)
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	r, err := b.Open(stored.StorageKey)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	b.Delete(stored.StorageKey)
	_, ok = b.Get(stored.StorageKey)
	assert.False(t, ok)
}

func TestMemoryBackend_AbortIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := storage.NewMemoryBackend()
	h, err := b.Begin(ctx, storage.PartMeta{FieldName: "file"})
	require.NoError(t, err)
	require.NoError(t, b.Write(ctx, h, []byte("partial")))

	assert.NoError(t, b.Abort(ctx, h, assert.AnError))
	assert.NoError(t, b.Abort(ctx, h, assert.AnError))
}

func TestMemoryBackend_UniqueKeysPerPart(t *testing.T) {
	ctx := context.Background()
	b := storage.NewMemoryBackend()

	h1, _ := b.Begin(ctx, storage.PartMeta{FieldName: "a"})
	h2, _ := b.Begin(ctx, storage.PartMeta{FieldName: "b"})
	s1, err := b.Finish(ctx, h1)
	require.NoError(t, err)
	s2, err := b.Finish(ctx, h2)
	require.NoError(t, err)
	assert.NotEqual(t, s1.StorageKey, s2.StorageKey)
}
