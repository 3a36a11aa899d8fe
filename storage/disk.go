package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// FilenameStrategy picks the on-disk name for a part.
type FilenameStrategy int

const (
	// FilenameKeep uses the sanitized original filename, or a generated
	// random one if the part carried no filename.
	FilenameKeep FilenameStrategy = iota
	// FilenameRandom always generates a UUIDv4-based name, preserving
	// the original extension if any.
	FilenameRandom
	// FilenameCustom invokes the configured callback.
	FilenameCustom
)

// CustomFilenameFunc receives the original (unsanitized) filename and
// returns the desired name; the result is still sanitized afterward.
type CustomFilenameFunc func(original string) string

// FilterFunc, if configured, decides per-part whether to actually persist
// the file. Returning false causes Finish to report a skipped
// StoredFile and Write to become a no-op.
type FilterFunc func(meta PartMeta) bool

// DiskConfig configures a DiskBackend. Destination must exist and be
// writable at build time (checked by NewDiskBackend).
type DiskConfig struct {
	Destination    string
	Strategy       FilenameStrategy
	CustomFilename CustomFilenameFunc
	Filter         FilterFunc
	Fsync          bool
}

// DiskBackend streams each part to a temporary file in Destination and
// publishes it under its sanitized final name on success. It holds no
// shared state beyond the filesystem; the filesystem itself is the
// serialization point for collisions, handled via os.Link's own
// O_CREAT|O_EXCL-style exclusivity (it fails with EEXIST rather than
// silently overwriting) to avoid a TOCTOU race between checking a name
// is free and claiming it.
type DiskBackend struct {
	cfg DiskConfig
}

// NewDiskBackend validates cfg.Destination exists and is writable, then
// returns a ready DiskBackend.
func NewDiskBackend(cfg DiskConfig) (*DiskBackend, error) {
	info, err := os.Stat(cfg.Destination)
	if err != nil {
		return nil, fmt.Errorf("storage: destination %q: %w", cfg.Destination, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: destination %q is not a directory", cfg.Destination)
	}
	probe := filepath.Join(cfg.Destination, ".streamform-write-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("storage: destination %q is not writable: %w", cfg.Destination, err)
	}
	f.Close()
	os.Remove(probe)
	return &DiskBackend{cfg: cfg}, nil
}

type diskHandle struct {
	meta     PartMeta
	file     *os.File
	tempPath string
	baseName string
	skip     bool
	once     sync.Once
}

func (b *DiskBackend) Begin(_ context.Context, meta PartMeta) (Handle, error) {
	h := &diskHandle{meta: meta}

	if b.cfg.Filter != nil && !b.cfg.Filter(meta) {
		h.skip = true
		return h, nil
	}

	baseName, err := b.resolveFilename(meta)
	if err != nil {
		return nil, err
	}
	h.baseName = baseName

	tmp, tmpPath, err := openTempFile(b.cfg.Destination, baseName)
	if err != nil {
		return nil, fmt.Errorf("storage: opening temp file: %w", err)
	}
	h.file, h.tempPath = tmp, tmpPath
	return h, nil
}

func (b *DiskBackend) Write(_ context.Context, hd Handle, chunk []byte) error {
	h, ok := hd.(*diskHandle)
	if !ok {
		return fmt.Errorf("storage: disk backend given a foreign handle")
	}
	if h.skip || len(chunk) == 0 {
		return nil
	}
	_, err := h.file.Write(chunk)
	return err
}

func (b *DiskBackend) Finish(_ context.Context, hd Handle) (StoredFile, error) {
	h, ok := hd.(*diskHandle)
	if !ok {
		return StoredFile{}, fmt.Errorf("storage: disk backend given a foreign handle")
	}
	if h.skip {
		return StoredFile{
			FieldName:        h.meta.FieldName,
			OriginalFileName: h.meta.OriginalFileName,
			ContentType:      h.meta.ContentType,
			Skipped:          true,
		}, nil
	}

	if b.cfg.Fsync {
		if err := h.file.Sync(); err != nil {
			h.file.Close()
			os.Remove(h.tempPath)
			return StoredFile{}, fmt.Errorf("storage: fsync: %w", err)
		}
	}
	info, statErr := h.file.Stat()
	if err := h.file.Close(); err != nil {
		os.Remove(h.tempPath)
		return StoredFile{}, fmt.Errorf("storage: closing temp file: %w", err)
	}

	finalPath, err := b.publish(h.tempPath, h.baseName)
	if err != nil {
		os.Remove(h.tempPath)
		return StoredFile{}, fmt.Errorf("storage: publishing final file: %w", err)
	}

	var size int64
	if statErr == nil {
		size = info.Size()
	}
	contentType := h.meta.ContentType
	if contentType == "" || contentType == "application/octet-stream" || contentType == "text/plain" {
		if mt, err := mimetype.DetectFile(finalPath); err == nil {
			contentType = mt.String()
		}
	}

	return StoredFile{
		FieldName:        h.meta.FieldName,
		OriginalFileName: h.meta.OriginalFileName,
		ContentType:      contentType,
		Size:             size,
		StorageKey:       finalPath,
	}, nil
}

// Abort deletes the temp file and releases the handle. It is idempotent:
// repeated calls, or a call after Finish already published the file, are
// no-ops that still return nil.
func (b *DiskBackend) Abort(_ context.Context, hd Handle, _ error) error {
	h, ok := hd.(*diskHandle)
	if !ok {
		return fmt.Errorf("storage: disk backend given a foreign handle")
	}
	h.once.Do(func() {
		if h.file != nil {
			h.file.Close()
		}
		if h.tempPath != "" {
			os.Remove(h.tempPath)
		}
	})
	return nil
}

// resolveFilename applies the configured strategy, then sanitizes the
// result, producing the candidate base name used for the temp file and,
// via publish, the eventual final name.
func (b *DiskBackend) resolveFilename(meta PartMeta) (string, error) {
	switch b.cfg.Strategy {
	case FilenameRandom:
		ext := ""
		if meta.HasFileName {
			ext = filepath.Ext(meta.OriginalFileName)
		}
		return uuid.NewString() + sanitizeExt(ext), nil
	case FilenameCustom:
		if b.cfg.CustomFilename == nil {
			return "", fmt.Errorf("storage: FilenameCustom strategy configured without a CustomFilename callback")
		}
		name := b.cfg.CustomFilename(meta.OriginalFileName)
		return sanitizeOrRandom(name), nil
	default: // FilenameKeep
		if !meta.HasFileName || meta.OriginalFileName == "" {
			return uuid.NewString(), nil
		}
		return sanitizeOrRandom(meta.OriginalFileName), nil
	}
}

// publish links the completed temp file to a free name under
// b.cfg.Destination derived from baseName, then removes the temp name.
// os.Link fails with EEXIST rather than overwriting when the target
// already exists, so the OS itself arbitrates the race between two
// Finishes resolving to the same baseName, closing the TOCTOU window a
// Stat-then-Rename check would leave open (both could pass the Stat
// before either publishes, and the second Rename would silently overwrite
// the first's completed upload). On EEXIST it tries a monotonic "(2)",
// "(3)", ... suffix before the extension until a candidate actually
// links. The final name never exists until the completed data is already
// behind it.
func (b *DiskBackend) publish(tempPath, baseName string) (string, error) {
	ext := filepath.Ext(baseName)
	stem := strings.TrimSuffix(baseName, ext)
	candidate := baseName
	for n := 2; ; n++ {
		path := filepath.Join(b.cfg.Destination, candidate)
		err := os.Link(tempPath, path)
		if err == nil {
			os.Remove(tempPath)
			return path, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
		if n > 10000 {
			return "", fmt.Errorf("storage: could not find a free filename for %q", baseName)
		}
		candidate = fmt.Sprintf("%s(%d)%s", stem, n, ext)
	}
}

// openTempFile opens "<base>.partial.<16-hex-random>" with O_EXCL so
// two concurrent Begins can never collide on the same temp name.
func openTempFile(dir, baseName string) (*os.File, string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, "", err
	}
	tempName := baseName + ".partial." + hex.EncodeToString(raw[:])
	path := filepath.Join(dir, tempName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

// sanitizeOrRandom sanitizes name and falls back to a random name if
// sanitization leaves nothing usable.
func sanitizeOrRandom(name string) string {
	s := sanitizeFilename(name)
	if s == "" {
		return uuid.NewString()
	}
	return s
}

// sanitizeFilename strips directory separators, NUL and control bytes,
// rewrites path-traversal segments, NFC-normalizes the remaining Unicode
// (the way rclone's local backend normalizes filenames before writing,
// backend/local/local.go), and guards against Windows reserved device
// names.
func sanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	name = filepath.Base(name) // drops any directory component, "/" or "\"

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == 0:
			continue
		case r < 0x20 || r == 0x7f:
			continue
		case r == '/' || r == '\\':
			continue
		default:
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	if cleaned == "." || cleaned == ".." || cleaned == "" {
		return ""
	}
	cleaned = strings.TrimLeft(cleaned, ".")
	if cleaned == "" {
		return ""
	}

	if isWindowsReservedName(cleaned) {
		cleaned = "_" + cleaned
	}
	return cleaned
}

func sanitizeExt(ext string) string {
	if ext == "" {
		return ""
	}
	s := sanitizeFilename("x" + ext)
	return strings.TrimPrefix(s, "x")
}

var windowsReservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

func isWindowsReservedName(name string) bool {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return windowsReservedNames[strings.ToUpper(stem)]
}
