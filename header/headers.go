package header

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// Headers is the raw header map for one part: lowercased header name to the
// list of raw values seen under that name, in arrival order. The order of
// the names themselves is not kept.
type Headers map[string][]string

// Get returns the first value stored for name (case-insensitive), or "".
func (h Headers) Get(name string) string {
	vs := h[strings.ToLower(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Parsed is the parsed view of a part's headers: field_name, optional
// file_name, and the content type with RFC 7578 §4.4 defaults applied.
type Parsed struct {
	FieldName   string
	FileName    string
	HasFileName bool
	ContentType string
}

// ParseHeaderBlock splits a raw header block (everything before the blank
// line that ends it; no trailing CRLFCRLF included) into a Headers map.
// Each line is split at its first colon; both sides are trimmed of
// surrounding ASCII space/tab.
func ParseHeaderBlock(block []byte) (Headers, error) {
	h := make(Headers)
	lines := bytes.Split(block, []byte("\r\n"))
	for _, line := range lines {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("%w: header line without a colon: %q", errInvalidHeader, line)
		}
		name := strings.ToLower(strings.TrimSpace(string(line[:idx])))
		if name == "" {
			return nil, fmt.Errorf("%w: empty header name", errInvalidHeader)
		}
		value := strings.TrimSpace(string(line[idx+1:]))
		h[name] = append(h[name], value)
	}
	return h, nil
}

// ParsePart builds the Parsed view from a raw Headers map: required
// Content-Disposition name=, optional filename=/filename*=, and the
// Content-Type default per RFC 7578 §4.4 (application/octet-stream when a
// filename is present and no Content-Type header was sent, text/plain
// otherwise).
func ParsePart(h Headers) (Parsed, error) {
	disp, ok := h["content-disposition"]
	if !ok {
		return Parsed{}, fmt.Errorf("%w: missing Content-Disposition", errInvalidHeader)
	}
	if len(disp) != 1 {
		return Parsed{}, fmt.Errorf("%w: duplicate Content-Disposition header", errInvalidHeader)
	}

	fieldName, fileName, hasFileName, err := parseContentDisposition(disp[0])
	if err != nil {
		return Parsed{}, err
	}
	if fieldName == "" {
		return Parsed{}, fmt.Errorf("%w: Content-Disposition missing name parameter", errInvalidHeader)
	}

	contentType := ""
	if ct, ok := h["content-type"]; ok {
		if len(ct) != 1 {
			return Parsed{}, fmt.Errorf("%w: duplicate Content-Type header", errInvalidHeader)
		}
		contentType = ct[0]
	}
	if contentType == "" {
		if hasFileName {
			contentType = "application/octet-stream"
		} else {
			contentType = "text/plain"
		}
	}

	return Parsed{
		FieldName:   fieldName,
		FileName:    fileName,
		HasFileName: hasFileName,
		ContentType: contentType,
	}, nil
}

// parseContentDisposition parses a Content-Disposition value of the form
//
//	form-data; name="..."; filename="..."; filename*=charset'lang'value
//
// supporting token and quoted-string parameter values (with backslash
// escapes) and RFC 5987 extended notation for filename*.
func parseContentDisposition(value string) (name, filename string, hasFilename bool, err error) {
	disposition, rest, ok := cutToken(value)
	if !ok || !strings.EqualFold(disposition, "form-data") {
		return "", "", false, fmt.Errorf("%w: Content-Disposition is not form-data", errInvalidHeader)
	}

	var plainFilename string
	var haveStarFilename bool

	for len(rest) > 0 {
		rest = strings.TrimLeft(rest, " \t")
		if len(rest) == 0 {
			break
		}
		if rest[0] != ';' {
			return "", "", false, fmt.Errorf("%w: malformed Content-Disposition parameters", errInvalidHeader)
		}
		rest = strings.TrimLeft(rest[1:], " \t")
		if rest == "" {
			break
		}

		key, afterKey, ok := cutParamKey(rest)
		if !ok {
			return "", "", false, fmt.Errorf("%w: malformed Content-Disposition parameter", errInvalidHeader)
		}
		if len(afterKey) == 0 || afterKey[0] != '=' {
			return "", "", false, fmt.Errorf("%w: parameter %q missing value", errInvalidHeader, key)
		}
		afterKey = afterKey[1:]

		lowerKey := strings.ToLower(key)
		extended := strings.HasSuffix(lowerKey, "*")
		if extended {
			lowerKey = strings.TrimSuffix(lowerKey, "*")
		}

		var val string
		if extended {
			val, rest, err = cutExtendedValue(afterKey)
		} else {
			val, rest, err = cutParamValue(afterKey)
		}
		if err != nil {
			return "", "", false, err
		}

		switch lowerKey {
		case "name":
			if !extended {
				name = val
			}
		case "filename":
			if extended {
				charset, lang, raw, derr := splitExtendedValue(val)
				_ = lang
				decoded, derr2 := decodeExtendedValue(charset, raw)
				if derr != nil {
					return "", "", false, derr
				}
				if derr2 != nil {
					return "", "", false, derr2
				}
				filename = decoded
				hasFilename = true
				haveStarFilename = true
			} else {
				decoded, derr := PercentDecode(val)
				if derr != nil {
					return "", "", false, fmt.Errorf("%w: malformed filename: %v", errInvalidHeader, derr)
				}
				plainFilename = decoded
			}
		}
	}

	if !haveStarFilename && plainFilename != "" {
		filename = plainFilename
		hasFilename = true
	}
	return name, filename, hasFilename, nil
}

// cutToken reads a single RFC 2045 token (e.g. "form-data") from the start
// of s and returns it along with whatever follows.
func cutToken(s string) (token, rest string, ok bool) {
	s = strings.TrimLeft(s, " \t")
	i := 0
	for i < len(s) && isTokenChar(s[i]) {
		i++
	}
	if i == 0 {
		return "", s, false
	}
	return s[:i], s[i:], true
}

func cutParamKey(s string) (key, rest string, ok bool) {
	i := 0
	for i < len(s) && (isTokenChar(s[i]) || s[i] == '*') {
		i++
	}
	if i == 0 {
		return "", s, false
	}
	return s[:i], s[i:], true
}

func isTokenChar(b byte) bool {
	switch {
	case b >= '0' && b <= '9', b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z':
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// cutParamValue parses a token or a quoted-string (with backslash escapes)
// value and returns the remaining, unconsumed input.
func cutParamValue(s string) (value, rest string, err error) {
	if len(s) > 0 && s[0] == '"' {
		var b strings.Builder
		i := 1
		closed := false
		for i < len(s) {
			c := s[i]
			if c == '\\' && i+1 < len(s) {
				b.WriteByte(s[i+1])
				i += 2
				continue
			}
			if c == '"' {
				closed = true
				i++
				break
			}
			b.WriteByte(c)
			i++
		}
		if !closed {
			return "", "", fmt.Errorf("%w: unterminated quoted-string", errInvalidHeader)
		}
		return b.String(), s[i:], nil
	}
	i := 0
	for i < len(s) && s[i] != ';' {
		i++
	}
	return strings.TrimRight(s[:i], " \t"), s[i:], nil
}

// cutExtendedValue parses an RFC 2231/5987 extended parameter value, which
// is always an unquoted sequence up to the next ';'.
func cutExtendedValue(s string) (value, rest string, err error) {
	i := 0
	for i < len(s) && s[i] != ';' {
		i++
	}
	return strings.TrimRight(s[:i], " \t"), s[i:], nil
}

// splitExtendedValue splits charset'lang'value per RFC 5987 §3.2.1.
func splitExtendedValue(v string) (charset, lang, raw string, err error) {
	parts := strings.SplitN(v, "'", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: malformed RFC 5987 extended value %q", errInvalidHeader, v)
	}
	return parts[0], parts[1], parts[2], nil
}

// decodeExtendedValue percent-decodes raw and, if charset names something
// other than UTF-8 or US-ASCII, transcodes it to UTF-8 via
// golang.org/x/text/encoding/htmlindex. An unknown charset label falls back
// to the raw percent-decoded bytes rather than failing the whole part,
// since the filename is cosmetic.
func decodeExtendedValue(charset, raw string) (string, error) {
	decodedBytes, err := PercentDecode(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed filename*: %v", errInvalidHeader, err)
	}
	charset = strings.TrimSpace(charset)
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "us-ascii") {
		return decodedBytes, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return decodedBytes, nil
	}
	transcoded, err := enc.NewDecoder().String(decodedBytes)
	if err != nil {
		return decodedBytes, nil
	}
	return transcoded, nil
}
