package streamform

import "github.com/badu/streamform/header"

// classification is the result of running the Selector & Limits Engine
// against one part's headers, computed once per part immediately after
// header parsing.
type classification struct {
	kind         FieldKind
	accept       bool
	discard      bool // Ignore policy: stream to nowhere, still count against max_body_size
	maxSize      int64
	allowedMIME  []string
}

// classify implements the per-part classification rules against cfg and
// the engine's running per-name counters. Per-name counting and capping
// only applies under Single/Array/Fields, which declare a concrete
// per-name schema; under the default Any selector (and under None, for
// the text fields it still accepts) any number of parts may share a
// field name, with only the global counters and size limits applying.
func (d *Driver) classify(p header.Parsed) (classification, error) {
	kind := FieldText
	if p.HasFileName {
		kind = FieldFile
	}

	sel := d.cfg.selector
	switch sel.kind {
	case SelectorNone:
		if kind == FieldFile {
			return classification{}, newFieldErr(CodeUnexpectedFile, p.FieldName, "file parts are not accepted")
		}
	case SelectorSingle, SelectorArray:
		if kind == FieldFile && p.FieldName != sel.name {
			return classification{}, newFieldErr(CodeUnexpectedField, p.FieldName, "field not declared by the selector")
		}
	case SelectorFields:
		if _, ok := sel.fields[p.FieldName]; !ok {
			if d.cfg.unknownFieldPolicy == UnknownFieldReject {
				return classification{}, newFieldErr(CodeUnexpectedField, p.FieldName, "field not declared by the selector")
			}
			return classification{kind: kind, accept: true, discard: true}, nil
		}
	case SelectorAny:
		// accept unconditionally
	}

	var fieldMax int64
	var fieldMIME []string
	enforceCount := sel.kind == SelectorSingle || sel.kind == SelectorArray || sel.kind == SelectorFields
	maxCount := 1
	if sel.kind == SelectorArray {
		maxCount = sel.max
	}
	if sel.kind == SelectorFields {
		if f, ok := sel.fields[p.FieldName]; ok {
			if f.MaxCount > 0 {
				maxCount = f.MaxCount
			}
			fieldMax = f.MaxSize
			fieldMIME = f.AllowedMIMETypes
		}
	}

	if enforceCount {
		d.perNameCount[p.FieldName]++
		if d.perNameCount[p.FieldName] > maxCount {
			if kind == FieldFile {
				return classification{}, newFieldErr(CodeTooManyFiles, p.FieldName, "too many file parts for this field")
			}
			return classification{}, newFieldErr(CodeTooManyFields, p.FieldName, "too many field parts for this field")
		}
	}

	allowed := fieldMIME
	if len(allowed) == 0 {
		allowed = d.cfg.allowedMIMEAll
	}
	if !matchMIME(allowed, p.ContentType) {
		return classification{}, newFieldErr(CodeUnsupportedMediaType, p.FieldName, "content type "+p.ContentType+" not in the allowed set")
	}

	if kind == FieldFile {
		d.filesSeen++
		if d.cfg.maxFiles > 0 && d.filesSeen > d.cfg.maxFiles {
			return classification{}, newErr(CodeTooManyFiles, "global max_files exceeded")
		}
	} else {
		d.fieldsSeen++
		if d.cfg.maxFields > 0 && d.fieldsSeen > d.cfg.maxFields {
			return classification{}, newErr(CodeTooManyFields, "global max_fields exceeded")
		}
	}

	maxSize := fieldMax
	if maxSize == 0 {
		if kind == FieldFile {
			maxSize = d.cfg.maxFileSize
		} else {
			maxSize = d.cfg.maxFieldSize
		}
	}

	return classification{kind: kind, accept: true, maxSize: maxSize, allowedMIME: allowed}, nil
}

// partLimiter enforces the per-chunk rules: per-part size cap first, then
// the global body cap, both checked before the chunk is forwarded to
// storage so a violation is caught before the oversize bytes are written.
type partLimiter struct {
	fieldName string
	kind      FieldKind
	maxSize   int64 // 0 = unbounded
	total     int64

	driver *Driver
}

func (l *partLimiter) account(n int) error {
	l.total += int64(n)
	if l.maxSize > 0 && l.total > l.maxSize {
		if l.kind == FieldFile {
			return newFieldErr(CodeFileTooLarge, l.fieldName, "file part exceeds max_file_size")
		}
		return newFieldErr(CodeFieldTooLarge, l.fieldName, "text field exceeds max_field_size")
	}
	l.driver.bodyBytes += int64(n)
	if l.driver.cfg.maxBodySize > 0 && l.driver.bodyBytes > l.driver.cfg.maxBodySize {
		return newErr(CodeBodyTooLarge, "total body size exceeds max_body_size")
	}
	return nil
}
