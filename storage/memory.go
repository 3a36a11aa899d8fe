package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MemoryBackend buffers each part entirely in process memory and keys the
// finished bytes by a freshly generated UUIDv4. It never spills to disk:
// callers that need a size ceiling should configure max_file_size instead.
type MemoryBackend struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{files: make(map[string][]byte)}
}

type memoryHandle struct {
	meta PartMeta
	buf  *bytes.Buffer
	done bool
	once sync.Once
}

func (b *MemoryBackend) Begin(_ context.Context, meta PartMeta) (Handle, error) {
	return &memoryHandle{meta: meta, buf: &bytes.Buffer{}}, nil
}

func (b *MemoryBackend) Write(_ context.Context, h Handle, chunk []byte) error {
	mh, ok := h.(*memoryHandle)
	if !ok {
		return fmt.Errorf("storage: memory backend given a foreign handle")
	}
	if mh.done {
		return fmt.Errorf("storage: write after finish/abort")
	}
	mh.buf.Write(chunk)
	return nil
}

func (b *MemoryBackend) Finish(_ context.Context, h Handle) (StoredFile, error) {
	mh, ok := h.(*memoryHandle)
	if !ok {
		return StoredFile{}, fmt.Errorf("storage: memory backend given a foreign handle")
	}
	if mh.done {
		return StoredFile{}, fmt.Errorf("storage: finish called after finish/abort")
	}
	mh.done = true

	key := uuid.NewString()
	data := mh.buf.Bytes()
	b.mu.Lock()
	b.files[key] = data
	b.mu.Unlock()

	return StoredFile{
		FieldName:        mh.meta.FieldName,
		OriginalFileName: mh.meta.OriginalFileName,
		ContentType:      mh.meta.ContentType,
		Size:             int64(len(data)),
		StorageKey:       key,
	}, nil
}

func (b *MemoryBackend) Abort(_ context.Context, h Handle, _ error) error {
	mh, ok := h.(*memoryHandle)
	if !ok {
		return fmt.Errorf("storage: memory backend given a foreign handle")
	}
	mh.once.Do(func() {
		mh.done = true
		mh.buf = nil
	})
	return nil
}

// Get returns the stored bytes for key, reporting whether it exists.
func (b *MemoryBackend) Get(key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.files[key]
	return data, ok
}

// Open returns a ReadSeeker over the stored bytes for key via
// io.NewSectionReader, so callers get io.Reader semantics without a copy.
func (b *MemoryBackend) Open(key string) (io.ReadSeeker, error) {
	b.mu.RLock()
	data, ok := b.files[key]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown key %q", key)
	}
	return io.NewSectionReader(bytes.NewReader(data), 0, int64(len(data))), nil
}

// Delete removes a stored entry, freeing its memory.
func (b *MemoryBackend) Delete(key string) {
	b.mu.Lock()
	delete(b.files, key)
	b.mu.Unlock()
}
