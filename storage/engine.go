// Package storage implements the streaming sink abstraction that receives
// one part's body chunk-by-chunk and the two built-in backends: an
// in-process memory store and a disk store with filename sanitization.
package storage

import "context"

// PartMeta is the information a backend receives at Begin, before the
// first body chunk arrives.
type PartMeta struct {
	FieldName       string
	OriginalFileName string
	HasFileName     bool
	ContentType     string
	SizeHint        int64
	HasSizeHint     bool
}

// Handle is an opaque per-part token issued by Begin and surrendered at
// Finish or Abort. Concrete backends, including ones outside this package,
// define their own handle type and return it through this interface; the
// core never inspects it.
type Handle interface{}

// StoredFile is the metadata a backend returns from Finish. Both built-in
// backends return this type as is; StorageKey carries the backend-specific
// locator (the generated key for memory, the final file path for disk).
type StoredFile struct {
	FieldName        string
	OriginalFileName string
	ContentType      string
	Size             int64
	StorageKey       string
	Skipped          bool // true if a disk filter rejected this part
}

// Engine is the storage capability set every backend implements: begin,
// write (called once per body chunk, strictly in order), finish, and
// abort (idempotent, called on any mid-part error).
type Engine interface {
	Begin(ctx context.Context, meta PartMeta) (Handle, error)
	Write(ctx context.Context, h Handle, chunk []byte) error
	Finish(ctx context.Context, h Handle) (StoredFile, error)
	Abort(ctx context.Context, h Handle, cause error) error
}
