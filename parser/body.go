/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package parser

import (
	"bytes"
	"io"
)

// ReadBody reads up to len(dst) bytes of the current part's body into dst.
// It returns io.EOF once the boundary delimiter following this part has
// been located (the delimiter itself is not returned as body data). It is
// only valid to call while State() == StatePartBody.
//
// The scanning core (scanUntilBoundary, matchAfterPrefix below) is the
// algorithm that lets a boundary match straddle two chunk arrivals without
// ever buffering a whole part body. ChunkBuffer stands in for bufio.Reader's
// peek buffer.
func (p *Parser) ReadBody(dst []byte) (int, error) {
	for p.bodyAvail == 0 && p.bodyErr == nil {
		peek := p.buf.Bytes()
		n, serr := scanUntilBoundary(peek, p.dashBoundary, p.nlDashBoundary, p.bodyTotal, p.bodyIOPending)
		p.bodyAvail, p.bodyErr = n, serr
		if p.bodyAvail == 0 && p.bodyErr == nil {
			err := p.fill()
			if err == io.EOF {
				p.bodyIOPending = io.ErrUnexpectedEOF
			} else if err != nil {
				return 0, err
			}
		}
	}

	n := len(dst)
	if n > p.bodyAvail {
		n = p.bodyAvail
	}
	if n > 0 {
		copy(dst, p.buf.Bytes()[:n])
		p.buf.Consume(n)
		p.bodyTotal += int64(n)
	}
	p.bodyAvail -= n
	if p.bodyAvail != 0 {
		return n, nil
	}

	// bodyAvail just reached zero: either this call drained the last of a
	// confirmed-boundary match (possibly a zero-length part body, n == 0)
	// or a non-boundary terminal error. Either way this resolution is
	// consumed exactly once, so the delimiter is advanced past here and
	// nowhere else.
	err := p.bodyErr
	if err == io.EOF {
		if advErr := p.advancePastBoundary(); advErr != nil {
			return n, advErr
		}
		return n, err
	}
	return n, bodyTerminalErr(err)
}

// bodyTerminalErr maps the sentinel used internally to flag "the source hit
// EOF before a boundary was ever confirmed" onto the package's public
// ErrIncompleteMultipart: if EOF arrives before a terminating boundary, the
// part body ends in error rather than silently truncating.
func bodyTerminalErr(err error) error {
	if err == io.ErrUnexpectedEOF {
		return ErrIncompleteMultipart
	}
	return err
}

// DrainBody discards the remainder of the current part's body, so that
// NextPart can safely move on even if the caller never read the part's
// Stream() to completion.
func (p *Parser) DrainBody() error {
	var scratch [4096]byte
	for {
		_, err := p.ReadBody(scratch[:])
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// advancePastBoundary is called exactly once, the moment ReadBody's scan
// has located but not yet consumed the delimiter (buf currently starts
// with nlDashBoundary, or with dashBoundary when the delimiter opens the
// part body with no leading newline). It consumes the delimiter text and
// classifies what follows it, transitioning state to PartHeaders or
// Epilogue per the PartBody state's transition rule: CRLF after the
// boundary starts a new part, "--" (optionally followed by linear
// whitespace, then CRLF) ends the message.
func (p *Parser) advancePastBoundary() error {
	if bytes.HasPrefix(p.buf.Bytes(), p.nlDashBoundary) {
		p.buf.Consume(len(p.nlDashBoundary))
	} else {
		p.buf.Consume(len(p.dashBoundary))
	}

	line, err := p.readLine()
	if err != nil && err != io.EOF {
		return err
	}
	trimmed := bytes.TrimRight(line, "\r\n")

	switch {
	case len(trimmed) == 0:
		if err == io.EOF {
			return ErrIncompleteMultipart
		}
		p.partsRead++
		p.state = StatePartHeaders
		return nil
	case bytes.Equal(trimmed, []byte("--")):
		p.state = StateEpilogue
		return nil
	case bytes.HasPrefix(trimmed, []byte("--")) && len(skipLWSP(trimmed[2:])) == 0:
		p.state = StateEpilogue
		return nil
	default:
		return ErrInvalidFraming
	}
}

// scanUntilBoundary scans buf, the bytes read so far in the current part
// (total), and any pending I/O error, returning the number of leading
// bytes of buf that are confirmed body content (safe to return to the
// caller) and, once the boundary is confirmed, io.EOF.
func scanUntilBoundary(buf, dashBoundary, nlDashBoundary []byte, total int64, readErr error) (int, error) {
	if total == 0 {
		// At the very start of a part's body, the delimiter has no
		// leading CRLF to search for yet.
		if bytes.HasPrefix(buf, dashBoundary) {
			switch matchAfterPrefix(buf, dashBoundary, readErr) {
			case -1:
				return len(dashBoundary), nil
			case 0:
				return 0, nil
			case +1:
				return 0, io.EOF
			}
		}
		if bytes.HasPrefix(dashBoundary, buf) {
			return 0, readErr
		}
	}

	// Search for nlDashBoundary, which must start somewhere in buf.
	i := bytes.Index(buf, nlDashBoundary)
	if i >= 0 {
		switch matchAfterPrefix(buf[i:], nlDashBoundary, readErr) {
		case -1:
			return i + len(nlDashBoundary), nil
		case 0:
			return i, nil
		case +1:
			return i, io.EOF
		}
	}
	if err := readErr; err != nil {
		// Upon EOF, some previously matched prefix of nlDashBoundary
		// might not, in fact, be a match: emit it all as body content.
		return len(buf), readErr
	}

	// Otherwise, anything up to the last safeCount bytes is certainly
	// not a boundary match. Those trailing bytes might be an incomplete
	// nlDashBoundary prefix straddling the next chunk's arrival.
	safeCount := len(buf) - len(nlDashBoundary) + 1
	if safeCount > 0 {
		return safeCount, nil
	}
	return 0, nil
}

// matchAfterPrefix checks whether buf (known to start with prefix)
// continues in a way consistent with prefix being a genuine boundary
// match: returns +1 if so, -1 if buf definitely diverges (so the prefix
// occurrence was coincidental body content, not a boundary), and 0 if
// there isn't yet enough of buf to tell (caller must read more, unless
// readErr is set, in which case the ambiguity is resolved by EOF).
func matchAfterPrefix(buf, prefix []byte, readErr error) int {
	if len(buf) == len(prefix) {
		if readErr != nil {
			return +1
		}
		return 0
	}
	b := buf[len(prefix)]
	if b == ' ' || b == '\t' || b == '\r' || b == '\n' || b == '-' {
		return +1
	}
	return -1
}
