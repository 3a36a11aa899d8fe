package streamform

import (
	"bytes"
	"context"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/badu/streamform/header"
	"github.com/badu/streamform/parser"
	"github.com/badu/streamform/storage"
)

// Driver ties the Stream Parser, the Selector & Limits Engine, and a
// storage Engine together into the single-threaded, cooperative session
// the concurrency model describes: one Driver owns one parse, one set of
// counters, and at most one in-flight storage handle at a time. Multiple
// independent Drivers run concurrently on a shared worker pool without
// sharing any state.
type Driver struct {
	cfg *Config
	p   *parser.Parser

	perNameCount map[string]int
	filesSeen    int
	fieldsSeen   int
	bodyBytes    int64

	activePart   *Part
	activeHandle storage.Handle

	storedFiles []storage.StoredFile
	textFields  map[string][]string

	done bool
}

// NewDriver builds a Driver reading chunks from src and splitting on
// boundary.
func NewDriver(cfg *Config, boundary string, src parser.Source) *Driver {
	return &Driver{
		cfg:          cfg,
		p:            parser.New(src, boundary, cfg.maxHeaderBytes),
		perNameCount: make(map[string]int),
		textFields:   make(map[string][]string),
	}
}

// NewDriverFromReader is a convenience constructor wrapping r in a
// parser.ReaderSource using the configured chunk size.
func NewDriverFromReader(cfg *Config, boundary string, r io.Reader) *Driver {
	return NewDriver(cfg, boundary, parser.NewReaderSource(r, cfg.chunkSize))
}

// NewDriverFromContentType extracts the boundary from a raw Content-Type
// header value before building the Driver.
func NewDriverFromContentType(cfg *Config, contentType string, r io.Reader) (*Driver, error) {
	boundary, err := header.ExtractBoundary(contentType)
	if err != nil {
		return nil, wrapErr(CodeInvalidBoundary, "extracting boundary", err)
	}
	return NewDriverFromReader(cfg, boundary, r), nil
}

// NextPart advances to the next part, finishing or aborting the previous
// part's storage handle first (finish-before-begin, per the concurrency
// model's ordering guarantee), and returns (nil, io.EOF) once the body is
// exhausted.
func (d *Driver) NextPart(ctx context.Context) (*Part, error) {
	if d.done {
		return nil, io.EOF
	}

	if d.activePart != nil {
		if err := d.closeActivePart(ctx); err != nil {
			d.done = true
			return nil, err
		}
	}

	h, err := d.p.NextPart()
	if err != nil {
		d.done = true
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, translateParserErr(err)
	}

	parsed, err := header.ParsePart(h)
	if err != nil {
		d.done = true
		return nil, wrapErr(CodeInvalidHeader, "parsing part headers", err)
	}

	cls, err := d.classify(parsed)
	if err != nil {
		d.done = true
		return nil, err
	}

	lim := &partLimiter{fieldName: parsed.FieldName, kind: cls.kind, maxSize: cls.maxSize, driver: d}
	part := newPart(h, parsed, d.p, lim, cls.discard)

	switch {
	case cls.discard:
		// neither stored nor captured; bytes still counted via the limiter

	case cls.kind == FieldFile:
		meta := storage.PartMeta{
			FieldName:        parsed.FieldName,
			OriginalFileName: parsed.FileName,
			HasFileName:      parsed.HasFileName,
			ContentType:      parsed.ContentType,
		}
		if sh, ok := part.SizeHint(); ok {
			meta.SizeHint, meta.HasSizeHint = sh, true
		}
		handle, err := d.cfg.storage.Begin(ctx, meta)
		if err != nil {
			d.done = true
			return nil, wrapErr(CodeStorageError, "storage begin", err)
		}
		d.activeHandle = handle
		part.sink = func(chunk []byte) error {
			return d.cfg.storage.Write(ctx, handle, chunk)
		}

	default: // text field
		part.capture = &bytes.Buffer{}
	}

	d.activePart = part
	return part, nil
}

// closeActivePart drains the previous part if the caller left it
// unconsumed, then finalizes it: a file part's storage handle is
// finished (or aborted, if the drain itself failed); a text field's
// captured bytes are validated as UTF-8 and recorded. This satisfies the
// cancellation contract (dropping a Part mid-stream still aborts its
// in-flight handle before the driver moves on) and the ordering guarantee
// that finish for part N happens-before begin for part N+1, since this
// runs synchronously before the next NextPart parses further.
func (d *Driver) closeActivePart(ctx context.Context) error {
	part := d.activePart
	handle := d.activeHandle
	d.activePart, d.activeHandle = nil, nil

	drainErr := part.drain()
	if drainErr != nil {
		if handle != nil {
			if aerr := d.cfg.storage.Abort(ctx, handle, drainErr); aerr != nil {
				d.cfg.logger.Printf("streamform: abort cleanup failed for field %q: %v", part.FieldName(), aerr)
			}
		}
		return drainErr
	}
	if d.p.State() == parser.StatePartBody {
		// The caller took the part's stream and stopped before its end: the
		// handle is aborted and no truncated value is recorded; the parser
		// discards the rest of the body on the next NextPart.
		if handle != nil {
			if aerr := d.cfg.storage.Abort(ctx, handle, errors.New("streamform: part stream abandoned before its end")); aerr != nil {
				d.cfg.logger.Printf("streamform: abort cleanup failed for field %q: %v", part.FieldName(), aerr)
			}
		}
		return nil
	}

	switch {
	case handle != nil:
		stored, err := d.cfg.storage.Finish(ctx, handle)
		if err != nil {
			return wrapErr(CodeStorageError, "storage finish", err)
		}
		if !stored.Skipped {
			d.storedFiles = append(d.storedFiles, stored)
		}

	case part.capture != nil:
		b := part.capture.Bytes()
		if !utf8.Valid(b) {
			return newFieldErr(CodeDecodeError, part.FieldName(), "part body is not valid UTF-8")
		}
		d.textFields[part.FieldName()] = append(d.textFields[part.FieldName()], string(b))
	}
	return nil
}

// Run drives the whole multipart body to completion, automatically
// forwarding every part's bytes to storage and collecting text field
// values, returning the aggregated result. It is the convenience path
// for callers who do not need per-part control; NextPart remains
// available for manual iteration.
func (d *Driver) Run(ctx context.Context) (ProcessedMultipart, error) {
	for {
		_, err := d.NextPart(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return ProcessedMultipart{}, err
		}
	}
	return ProcessedMultipart{StoredFiles: d.storedFiles, TextFields: d.textFields}, nil
}

// Abort cancels the session: it aborts any in-flight storage handle and
// marks the driver done, without attempting to read any further bytes
// from the upstream source. Callers that stop iterating early (e.g. the
// HTTP request context was canceled) should call this instead of simply
// dropping the Driver, so storage cleans up.
func (d *Driver) Abort(ctx context.Context, cause error) error {
	if d.done {
		return nil
	}
	d.done = true
	if d.activeHandle == nil {
		return nil
	}
	handle := d.activeHandle
	d.activeHandle, d.activePart = nil, nil
	return d.cfg.storage.Abort(ctx, handle, cause)
}

func translateParserErr(err error) error {
	switch {
	case errors.Is(err, parser.ErrIncompleteMultipart):
		return wrapErr(CodeIncompleteMultipart, "multipart body ended early", err)
	case errors.Is(err, parser.ErrHeaderTooLarge):
		return wrapErr(CodeHeaderTooLarge, "part header block too large", err)
	case errors.Is(err, parser.ErrInvalidFraming):
		return wrapErr(CodeInvalidHeader, "malformed boundary framing", err)
	case errors.Is(err, parser.ErrUpstream):
		return wrapErr(CodeUpstreamError, "upstream chunk source failed", err)
	}
	return wrapErr(CodeUpstreamError, "reading multipart body", err)
}
