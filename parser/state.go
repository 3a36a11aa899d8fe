package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/badu/streamform/header"
)

// State is one of the five states from the stream-parser design, plus an
// internal terminal error state.
type State int

const (
	StatePreamble State = iota
	StatePartHeaders
	StatePartBody
	StateEpilogue
	StateDone
	stateError
)

func (s State) String() string {
	switch s {
	case StatePreamble:
		return "Preamble"
	case StatePartHeaders:
		return "PartHeaders"
	case StatePartBody:
		return "PartBody"
	case StateEpilogue:
		return "Epilogue"
	case StateDone:
		return "Done"
	default:
		return "Error"
	}
}

var (
	// ErrIncompleteMultipart is returned when the chunk stream ends before
	// the terminating boundary is seen.
	ErrIncompleteMultipart = errors.New("parser: multipart body ended before the terminating boundary")
	// ErrHeaderTooLarge is returned when a part's header block exceeds the
	// configured limit before the terminating CRLFCRLF is found.
	ErrHeaderTooLarge = errors.New("parser: part header block exceeds the configured limit")
	// ErrInvalidFraming is returned for malformed boundary-line framing
	// that the grammar does not allow (e.g. garbage between the closing
	// boundary dashes and its trailing CRLF, or between a part body and
	// the next boundary).
	ErrInvalidFraming = errors.New("parser: malformed multipart framing")
	// ErrUpstream wraps any non-EOF error the Source returns.
	ErrUpstream = errors.New("parser: upstream chunk source failed")
)

// Parser is the stream-parser state machine: it consumes a Source of
// arbitrarily-fragmented chunks and exposes part headers followed by a
// bounded byte sub-stream per part. It performs no I/O of its own beyond
// pulling from Source; all suspension happens at that pull.
//
// The boundary-scanning core (scanUntilBoundary / matchAfterPrefix in
// body.go) finds a delimiter that may straddle two chunk arrivals without
// ever buffering a whole part body. This type wraps that algorithm in an
// explicit Preamble/PartHeaders/PartBody/Epilogue/Done state enum, in
// place of implicit partsRead/expectNewPart bookkeeping.
type Parser struct {
	src Source
	buf ChunkBuffer

	state State

	boundary         string
	dashBoundary     []byte // "--boundary"
	dashBoundaryDash []byte // "--boundary--"
	nlDashBoundary   []byte // "\r\n--boundary" (or "\n--boundary" once lenient mode is detected)
	newline          []byte // "\r\n", or "\n" once a lenient sender is detected
	maxHeaderBytes   int

	partsRead int
	bodyTotal int64 // bytes emitted for the current part's body so far
	srcEOF    bool  // Source has returned io.EOF; no more chunks will come

	bodyAvail     int   // bytes already known safe to deliver, not yet returned to the caller
	bodyErr       error // terminal result once bodyAvail reaches 0 (io.EOF = boundary found)
	bodyIOPending error // I/O-level error fed into the next scanUntilBoundary call
}

// New builds a Parser reading chunks from src, splitting on boundary, and
// enforcing maxHeaderBytes on each part's header block.
func New(src Source, boundary string, maxHeaderBytes int) *Parser {
	db := []byte("--" + boundary)
	nl := []byte("\r\n")
	return &Parser{
		src:              src,
		state:            StatePreamble,
		boundary:         boundary,
		dashBoundary:     db,
		dashBoundaryDash: []byte("--" + boundary + "--"),
		nlDashBoundary:   append(append([]byte{}, nl...), db...),
		newline:          nl,
		maxHeaderBytes:   maxHeaderBytes,
	}
}

// State returns the parser's current state.
func (p *Parser) State() State { return p.state }

// PartsRead returns the number of parts whose headers have been parsed so
// far (including the current one, if in PartHeaders or PartBody).
func (p *Parser) PartsRead() int { return p.partsRead }

// fill pulls one more chunk from the source into the buffer. It returns
// io.EOF once the source is exhausted; subsequent calls keep returning
// io.EOF without touching the source again.
func (p *Parser) fill() error {
	if p.srcEOF {
		return io.EOF
	}
	chunk, err := p.src.Next()
	if len(chunk) > 0 {
		p.buf.Append(chunk)
	}
	if err != nil {
		if err == io.EOF {
			p.srcEOF = true
			return io.EOF
		}
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return nil
}

// readLine reads bytes up to and including the next '\n', growing the
// buffer by pulling chunks as needed, bounded by maxHeaderBytes (boundary
// delimiter lines and the preamble are always short in a well-formed
// request; this bound exists to cap a pathological sender's preamble from
// growing the buffer without limit). On EOF with unterminated trailing
// bytes, it returns what it has along with io.EOF.
func (p *Parser) readLine() ([]byte, error) {
	for {
		b := p.buf.Bytes()
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			// copied out: Consume may compact the buffer over these bytes
			line := append([]byte(nil), b[:i+1]...)
			p.buf.Consume(i + 1)
			return line, nil
		}
		if len(b) > p.maxHeaderBytes {
			return nil, ErrHeaderTooLarge
		}
		if err := p.fill(); err != nil {
			if err == io.EOF {
				line := p.buf.Bytes()
				p.buf.Consume(len(line))
				return line, io.EOF
			}
			return nil, err
		}
	}
}

// NextPart advances the parser to the next part, returning its raw
// headers. It returns (nil, io.EOF) once the body is exhausted (Done). Any
// previous part's body is fully drained first, satisfying the
// advancement contract: a caller that dropped the previous Part's stream
// early never corrupts parser state.
func (p *Parser) NextPart() (header.Headers, error) {
	if p.state == StatePartBody {
		if err := p.DrainBody(); err != nil {
			return nil, err
		}
	}

	for {
		switch p.state {
		case StatePreamble:
			line, err := p.readLine()
			if err != nil && err != io.EOF {
				p.state = stateError
				return nil, err
			}
			if p.isBoundaryDelimiterLine(line) {
				p.partsRead++
				p.state = StatePartHeaders
				continue
			}
			if p.isFinalBoundaryLine(line) {
				p.state = StateEpilogue
				continue
			}
			if err == io.EOF {
				p.state = stateError
				return nil, ErrIncompleteMultipart
			}
			continue // preamble noise before the first boundary; discard

		case StatePartHeaders:
			h, err := p.readHeaders()
			if err != nil {
				p.state = stateError
				return nil, err
			}
			p.state = StatePartBody
			p.bodyTotal = 0
			p.bodyAvail = 0
			p.bodyErr = nil
			p.bodyIOPending = nil
			return h, nil

		case StateEpilogue:
			if err := p.drainEpilogue(); err != nil {
				p.state = stateError
				return nil, err
			}
			p.state = StateDone
			return nil, io.EOF

		case StateDone:
			return nil, io.EOF

		default:
			return nil, fmt.Errorf("parser: NextPart called in state %s", p.state)
		}
	}
}

// readHeaders accumulates bytes until CRLFCRLF (or LFLF for a lenient
// sender) and hands the block to the header package.
func (p *Parser) readHeaders() (header.Headers, error) {
	sep, altSep := []byte("\r\n\r\n"), []byte("\n\n")
	for {
		b := p.buf.Bytes()
		// The block is parsed before Consume, which may compact the buffer
		// over it.
		if i := bytes.Index(b, sep); i >= 0 {
			h, err := header.ParseHeaderBlock(b[:i])
			p.buf.Consume(i + len(sep))
			return h, err
		}
		if bytes.Equal(p.newline, []byte("\n")) {
			if i := bytes.Index(b, altSep); i >= 0 {
				h, err := header.ParseHeaderBlock(b[:i])
				p.buf.Consume(i + len(altSep))
				return h, err
			}
		}
		if len(b) > p.maxHeaderBytes {
			return nil, ErrHeaderTooLarge
		}
		if err := p.fill(); err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: EOF while reading part headers", ErrIncompleteMultipart)
			}
			return nil, err
		}
	}
}

// drainEpilogue discards everything after the final boundary until the
// source is exhausted.
func (p *Parser) drainEpilogue() error {
	for {
		p.buf.Consume(p.buf.Len())
		if err := p.fill(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// isBoundaryDelimiterLine reports whether line is "--boundary" (not the
// final variant) optionally followed by linear whitespace and CRLF, per
// RFC 2046 §5.1. On the first part it also tolerates bare "\n" line
// endings from a non-conformant sender and switches the parser into that
// lenient mode for the rest of the session.
func (p *Parser) isBoundaryDelimiterLine(line []byte) bool {
	lineEndingCR := len(line) >= 2 && line[len(line)-2] == '\r'
	body := bytes.TrimRight(line, "\r\n")

	if len(body) < len(p.dashBoundary) || !bytes.Equal(body[:len(p.dashBoundary)], p.dashBoundary) {
		return false
	}
	rest := skipLWSP(body[len(p.dashBoundary):])
	if len(rest) != 0 {
		return false
	}
	if p.partsRead == 0 && !lineEndingCR {
		p.newline = []byte("\n")
		p.nlDashBoundary = append([]byte("\n"), p.dashBoundary...)
	}
	return true
}

// isFinalBoundaryLine reports whether line is "--boundary--" optionally
// followed by linear whitespace and CRLF, or, at true EOF, simply
// "--boundary--" with no trailing line ending at all.
func (p *Parser) isFinalBoundaryLine(line []byte) bool {
	trimmed := bytes.TrimRight(line, "\r\n")
	if len(trimmed) < len(p.dashBoundaryDash) || !bytes.Equal(trimmed[:len(p.dashBoundaryDash)], p.dashBoundaryDash) {
		return false
	}
	return len(skipLWSP(trimmed[len(p.dashBoundaryDash):])) == 0
}

func skipLWSP(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	return b
}
