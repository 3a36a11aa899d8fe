package streamform

import (
	"strings"

	"github.com/badu/streamform/storage"
)

// SelectorKind enumerates the mutually exclusive part-routing policies.
type SelectorKind int

const (
	SelectorAny SelectorKind = iota
	SelectorNone
	SelectorSingle
	SelectorArray
	SelectorFields
)

// UnknownFieldPolicy governs what happens to a part whose name is absent
// from a fields(...) declaration.
type UnknownFieldPolicy int

const (
	// UnknownFieldIgnore drains the part without handing it to storage and
	// counts its bytes against max_body_size, but returns nothing to the
	// caller. This is the default: the source system this engine is
	// modeled on does not definitively document its own default, and
	// Ignore is the least surprising choice for a public upload endpoint.
	UnknownFieldIgnore UnknownFieldPolicy = iota
	UnknownFieldReject
)

// FieldKind distinguishes a part with a filename from a plain form field.
type FieldKind int

const (
	FieldText FieldKind = iota
	FieldFile
)

// Field declares one entry of a fields(...) selector schema.
type Field struct {
	Name             string
	Kind             FieldKind
	MaxCount         int
	AllowedMIMETypes []string // overrides the global allowlist for this field
	MaxSize          int64    // 0 means "use the global default for this kind"
}

// Selector is the built, immutable routing policy a Config carries.
type Selector struct {
	kind     SelectorKind
	name     string // single/array
	max      int    // array
	fields   map[string]Field
	fieldsOn []string // declaration order, for deterministic iteration/logging
}

// Single accepts at most one file part, named name.
func Single(name string) Selector {
	return Selector{kind: SelectorSingle, name: name, max: 1}
}

// Array accepts zero to max file parts, all named name.
func Array(name string, max int) Selector {
	return Selector{kind: SelectorArray, name: name, max: max}
}

// Fields accepts exactly the declared schema.
func Fields(fields []Field) Selector {
	m := make(map[string]Field, len(fields))
	order := make([]string, 0, len(fields))
	for _, f := range fields {
		m[f.Name] = f
		order = append(order, f.Name)
	}
	return Selector{kind: SelectorFields, fields: m, fieldsOn: order}
}

// None rejects every file part outright; text fields are unaffected.
func None() Selector { return Selector{kind: SelectorNone} }

// AnySelector accepts every part, subject only to the global limits.
func AnySelector() Selector { return Selector{kind: SelectorAny} }

// Config is the engine's validated configuration, built once via New and
// never mutated afterward: validation happens at build time, not at use
// time.
type Config struct {
	selector           Selector
	unknownFieldPolicy UnknownFieldPolicy

	maxFileSize     int64
	maxFieldSize    int64
	maxFiles        int
	maxFields       int
	maxBodySize     int64
	maxHeaderBytes  int
	allowedMIMEAll  []string
	chunkSize       int
	storage         storage.Engine
	logger          Logger
}

// Option mutates a Config under construction. Options are applied in the
// order given to New and validated once, afterward.
type Option func(*Config) error

func WithSelector(s Selector) Option {
	return func(c *Config) error { c.selector = s; return nil }
}

func WithUnknownFieldPolicy(p UnknownFieldPolicy) Option {
	return func(c *Config) error { c.unknownFieldPolicy = p; return nil }
}

func WithMaxFileSize(n int64) Option {
	return func(c *Config) error {
		if n < 0 {
			return newErr(CodeConfig, "max_file_size must be >= 0")
		}
		c.maxFileSize = n
		return nil
	}
}

func WithMaxFieldSize(n int64) Option {
	return func(c *Config) error {
		if n < 0 {
			return newErr(CodeConfig, "max_field_size must be >= 0")
		}
		c.maxFieldSize = n
		return nil
	}
}

func WithMaxFiles(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return newErr(CodeConfig, "max_files must be >= 0")
		}
		c.maxFiles = n
		return nil
	}
}

func WithMaxFields(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return newErr(CodeConfig, "max_fields must be >= 0")
		}
		c.maxFields = n
		return nil
	}
}

func WithMaxBodySize(n int64) Option {
	return func(c *Config) error {
		if n < 0 {
			return newErr(CodeConfig, "max_body_size must be >= 0")
		}
		c.maxBodySize = n
		return nil
	}
}

func WithMaxHeaderBytes(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return newErr(CodeConfig, "max_header_bytes must be > 0")
		}
		c.maxHeaderBytes = n
		return nil
	}
}

func WithAllowedMIMETypes(types []string) Option {
	return func(c *Config) error { c.allowedMIMEAll = types; return nil }
}

// WithChunkSize overrides the read chunk size used by the default
// io.Reader adapter (see NewDriverFromReader). It has no effect when the
// caller supplies its own parser.Source.
func WithChunkSize(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return newErr(CodeConfig, "chunk_size must be > 0")
		}
		c.chunkSize = n
		return nil
	}
}

func WithStorage(e storage.Engine) Option {
	return func(c *Config) error { c.storage = e; return nil }
}

func WithLogger(l Logger) Option {
	return func(c *Config) error { c.logger = l; return nil }
}

// New builds a validated Config. Defaults: selector any, unknown field
// policy Ignore, max_field_size 1MiB, max_fields 1000, max_header_bytes
// 8KiB, everything else unbounded; storage is required.
func New(opts ...Option) (*Config, error) {
	c := &Config{
		selector:           AnySelector(),
		unknownFieldPolicy: UnknownFieldIgnore,
		maxFieldSize:       1 << 20,
		maxFields:          1000,
		maxHeaderBytes:     8 << 10,
		chunkSize:          32 * 1024,
		logger:             defaultLogger{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.storage == nil {
		return nil, newErr(CodeConfig, "storage engine is required")
	}
	if c.selector.kind == SelectorSingle || c.selector.kind == SelectorArray {
		if c.selector.name == "" {
			return nil, newErr(CodeConfig, "single/array selector requires a non-empty name")
		}
	}
	for _, t := range c.allowedMIMEAll {
		if !strings.Contains(t, "/") {
			return nil, newFieldErr(CodeConfig, t, "allowed MIME type must be of the form type/subtype")
		}
	}
	return c, nil
}

// matchMIME reports whether contentType is permitted by the allowed list.
// A nil/empty list permits anything. "type/*" matches any subtype of type.
func matchMIME(allowed []string, contentType string) bool {
	if len(allowed) == 0 {
		return true
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == ct {
			return true
		}
		if strings.HasSuffix(a, "/*") {
			if strings.HasPrefix(ct, a[:len(a)-1]) {
				return true
			}
		}
	}
	return false
}
