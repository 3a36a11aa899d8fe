package streamform

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/badu/streamform/header"
	"github.com/badu/streamform/parser"
)

// Part is a transient, single-use cursor over one section of the
// multipart body. At most one Part is live per Driver at a time;
// advancing to the next part invalidates the previous one. Exactly one
// of Bytes, Text, or Stream may be consumed; subsequent calls return
// ErrPartAlreadyConsumed.
type Part struct {
	parsed header.Parsed
	raw    header.Headers

	sizeHint    int64
	hasSizeHint bool

	p       *parser.Parser
	limiter *partLimiter
	discard bool
	sink    func([]byte) error // forwards each read chunk to the active storage handle
	capture *bytes.Buffer      // accumulates a text field's bytes as they're drained

	consumed bool
}

func newPart(h header.Headers, parsed header.Parsed, p *parser.Parser, lim *partLimiter, discard bool) *Part {
	pt := &Part{parsed: parsed, raw: h, p: p, limiter: lim, discard: discard}
	if v := h.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
			pt.sizeHint, pt.hasSizeHint = n, true
		}
	}
	return pt
}

// FieldName is the Content-Disposition name= value.
func (p *Part) FieldName() string { return p.parsed.FieldName }

// FileName returns the original, unsanitized decoded filename and
// whether one was present. Sanitization is the disk backend's job, not
// this type's.
func (p *Part) FileName() (string, bool) { return p.parsed.FileName, p.parsed.HasFileName }

// ContentType is the parsed MIME type, with RFC 7578 §4.4 defaults
// applied when the part carried no Content-Type header.
func (p *Part) ContentType() string { return p.parsed.ContentType }

// Headers is the raw, lowercased-name header map.
func (p *Part) Headers() header.Headers { return p.raw }

// SizeHint returns the part's declared Content-Length, if any.
func (p *Part) SizeHint() (int64, bool) { return p.sizeHint, p.hasSizeHint }

// IsFile reports whether this part carries a filename (a file part) as
// opposed to a plain text field.
func (p *Part) IsFile() bool { return p.parsed.HasFileName }

// isDiscarded reports whether this part was accepted under
// UnknownFieldIgnore: its bytes still count against max_body_size but it
// is not surfaced in ProcessedMultipart.
func (p *Part) isDiscarded() bool { return p.discard }

// partReader is the io.Reader returned by Stream: it pulls from the
// underlying parser, then runs the limit check before handing bytes to
// the caller, satisfying the "limit earliness" property regardless of
// which of Bytes/Text/Stream the caller uses, since Driver.Run forwards
// storage writes through this same reader.
type partReader struct {
	part *Part
}

func (r *partReader) Read(dst []byte) (int, error) {
	n, err := r.part.p.ReadBody(dst)
	if n > 0 {
		if lerr := r.part.limiter.account(n); lerr != nil {
			return n, lerr
		}
		if r.part.sink != nil {
			if serr := r.part.sink(dst[:n]); serr != nil {
				return n, wrapErr(CodeStorageError, "writing part body to storage", serr)
			}
		}
		if r.part.capture != nil {
			r.part.capture.Write(dst[:n])
		}
	}
	if err == io.EOF {
		return n, io.EOF
	}
	if err != nil {
		return n, translateParserErr(err)
	}
	return n, nil
}

// Stream returns the part's raw, single-pass byte stream. It is the only
// path by which body bytes leave this type; Bytes and Text are built on
// top of it.
func (p *Part) Stream() (io.Reader, error) {
	if p.consumed {
		return nil, ErrPartAlreadyConsumed
	}
	p.consumed = true
	return &partReader{part: p}, nil
}

// Bytes drains the part's stream into memory, respecting the applicable
// size limit (it will never read past the point that limit is
// violated).
func (p *Part) Bytes() ([]byte, error) {
	r, err := p.Stream()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if rerr == io.EOF {
			return buf.Bytes(), nil
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

// drain fully consumes the part's stream, discarding bytes. It is a
// no-op if the part was already consumed by the caller. Used by Driver to
// satisfy the advancement contract when the caller moves on without
// reading a part to completion itself.
func (p *Part) drain() error {
	r, err := p.Stream()
	if err == ErrPartAlreadyConsumed {
		return nil
	}
	if err != nil {
		return err
	}
	buf := make([]byte, 32*1024)
	for {
		_, rerr := r.Read(buf)
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// Text is Bytes followed by a UTF-8 validity check.
func (p *Part) Text() (string, error) {
	b, err := p.Bytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", newFieldErr(CodeDecodeError, p.parsed.FieldName, "part body is not valid UTF-8")
	}
	return string(b), nil
}
