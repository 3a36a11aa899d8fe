// Package header implements the boundary-and-header half of the engine:
// extracting a boundary from a Content-Type value and parsing one part's
// header block (Content-Disposition, Content-Type), including quoted,
// percent-encoded, and RFC 5987 encoded filenames.
//
// The percent-decoding helpers below use the same two-hex-digit grammar as
// quoted-printable decoding; RFC 2045 %-escapes and quoted-printable
// escapes share that grammar.
package header

import (
	"fmt"
	"mime"
	"strings"
)

// MaxBoundaryLen is the longest boundary this package accepts, per RFC 2046
// §5.1.1.
const MaxBoundaryLen = 70

// boundaryChar reports whether b is legal in an RFC 2046 boundary token.
// bchars := DIGIT / ALPHA / "'" / "(" / ")" / "+" / "_" / "," / "-" / "." /
//
//	"/" / ":" / "=" / "?" / " " (space is only legal mid-string, checked
//	by the caller)
func boundaryChar(b byte) bool {
	switch {
	case b >= '0' && b <= '9', b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z':
		return true
	}
	switch b {
	case '\'', '(', ')', '+', '_', ',', '-', '.', '/', ':', '=', '?', ' ':
		return true
	}
	return false
}

// fromHex decodes one hex digit, accepting upper and lower case.
func fromHex(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	}
	return 0, fmt.Errorf("invalid hex digit 0x%02x", b)
}

// PercentDecode decodes %HH escapes in s. It is used both for an
// RFC 2231-style percent-encoded boundary parameter and for raw
// filename= values that a sender percent-encoded without declaring so
// formally (a common real-world deviation from RFC 7578).
func PercentDecode(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated %%-escape at offset %d", i)
		}
		hi, err := fromHex(s[i+1])
		if err != nil {
			return "", fmt.Errorf("malformed %%-escape at offset %d: %w", i, err)
		}
		lo, err := fromHex(s[i+2])
		if err != nil {
			return "", fmt.Errorf("malformed %%-escape at offset %d: %w", i, err)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

// ExtractBoundary pulls the boundary parameter out of a Content-Type header
// value, requiring a multipart/* top-level type, and returns the decoded
// boundary bytes ready to drive the stream parser.
func ExtractBoundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidContentType, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("%w: top-level type %q is not multipart", errInvalidContentType, mediaType)
	}

	boundary, ok := params["boundary"]
	if !ok {
		return "", fmt.Errorf("%w: no boundary parameter", errInvalidBoundary)
	}

	if strings.ContainsRune(boundary, '%') {
		decoded, err := PercentDecode(boundary)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errInvalidBoundary, err)
		}
		boundary = decoded
	}

	if len(boundary) < 1 || len(boundary) > MaxBoundaryLen {
		return "", fmt.Errorf("%w: length %d outside [1,%d]", errInvalidBoundary, len(boundary), MaxBoundaryLen)
	}
	end := len(boundary) - 1
	for i := 0; i < len(boundary); i++ {
		c := boundary[i]
		if c == ' ' && i == end {
			// space is legal anywhere except as the final character (RFC 2046 §5.1.1)
			return "", fmt.Errorf("%w: trailing space at offset %d", errInvalidBoundary, i)
		}
		if !boundaryChar(c) {
			return "", fmt.Errorf("%w: illegal character %q at offset %d", errInvalidBoundary, c, i)
		}
	}
	return boundary, nil
}
