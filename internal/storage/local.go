// Package storage keeps uploaded and ingested files on the local filesystem
// and hands back the public path they are served under.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultMaxBytes     = 25 << 20
	DefaultPublicPrefix = "/uploads"

	maxBaseLen = 60
	maxExtLen  = 16
)

var (
	// ErrAttachmentTooLarge is returned for data above the size ceiling.
	ErrAttachmentTooLarge = errors.New("attachment too large")
	// ErrInvalidFolder is returned for folders escaping the storage root.
	ErrInvalidFolder = errors.New("invalid storage folder")
)

// SavedFile describes a stored file.
type SavedFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// LocalStore writes files below a root directory.
type LocalStore struct {
	root         string
	publicPrefix string
	maxBytes     int64
	now          func() time.Time
}

// StoreOption customizes a LocalStore.
type StoreOption func(*LocalStore)

// WithMaxBytes sets the size ceiling.
func WithMaxBytes(n int64) StoreOption {
	return func(s *LocalStore) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithPublicPrefix sets the URL prefix files are served under.
func WithPublicPrefix(prefix string) StoreOption {
	return func(s *LocalStore) {
		if prefix = strings.TrimRight(strings.TrimSpace(prefix), "/"); prefix != "" {
			s.publicPrefix = prefix
		}
	}
}

// WithStoreClock overrides the clock used in generated names.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *LocalStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string, opts ...StoreOption) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		root = "uploads"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	s := &LocalStore{
		root:         abs,
		publicPrefix: DefaultPublicPrefix,
		maxBytes:     DefaultMaxBytes,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Root is the absolute storage directory.
func (s *LocalStore) Root() string { return s.root }

// PublicPrefix is the URL prefix files are served under.
func (s *LocalStore) PublicPrefix() string { return s.publicPrefix }

// MaxBytes is the size ceiling.
func (s *LocalStore) MaxBytes() int64 { return s.maxBytes }

// Save writes data under folder with a unique, sanitized name. Data above the
// ceiling is rejected and nothing is written.
func (s *LocalStore) Save(ctx context.Context, folder, originalName string, data []byte) (SavedFile, error) {
	if err := ctx.Err(); err != nil {
		return SavedFile{}, err
	}
	if int64(len(data)) > s.maxBytes {
		return SavedFile{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrAttachmentTooLarge, len(data), s.maxBytes)
	}
	cleanFolder, err := sanitizeFolder(folder)
	if err != nil {
		return SavedFile{}, err
	}

	dir := filepath.Join(s.root, filepath.FromSlash(cleanFolder))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SavedFile{}, fmt.Errorf("failed to create directory: %w", err)
	}
	name := s.uniqueName(originalName)
	full := filepath.Join(dir, name)
	if err := os.WriteFile(full, data, 0o644); err != nil {
		_ = os.Remove(full)
		return SavedFile{}, fmt.Errorf("failed to write file: %w", err)
	}

	display := strings.TrimSpace(originalName)
	if display == "" {
		display = "attachment"
	}
	return SavedFile{
		Name: display,
		URL:  path.Join(s.publicPrefix, cleanFolder, name),
		Size: int64(len(data)),
	}, nil
}

func (s *LocalStore) uniqueName(original string) string {
	base, ext := SafeFilename(original)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%d-%s%s", base, s.now().UnixMilli(), suffix, ext)
}

func sanitizeFolder(folder string) (string, error) {
	folder = strings.Trim(filepath.ToSlash(strings.TrimSpace(folder)), "/")
	if folder == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFolder)
	}
	clean := path.Clean(folder)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidFolder, folder)
	}
	return clean, nil
}

// SafeFilename splits a user supplied name into a filesystem safe base and
// extension. Accents are folded to ASCII first, anything outside
// [A-Za-z0-9_-] becomes '_', and the base is capped at 60 characters.
func SafeFilename(name string) (base, ext string) {
	name = filepath.Base(filepath.ToSlash(strings.TrimSpace(name)))
	if name == "." || name == "/" {
		name = ""
	}
	ext = path.Ext(name)
	base = strings.TrimSuffix(name, ext)
	if base == "" && ext != "" {
		// dotfile such as ".env"
		base, ext = ext, ""
	}

	base = replaceUnsafe(fold(base), false)
	if len(base) > maxBaseLen {
		base = base[:maxBaseLen]
	}
	if strings.Trim(base, "_") == "" {
		base = "file"
	}

	ext = replaceUnsafe(fold(ext), true)
	if len(ext) > maxExtLen || ext == "." {
		ext = ""
	}
	return base, ext
}

// fold strips combining marks; transformers are stateful so one is built per call.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func replaceUnsafe(s string, keepDot bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == '.' && keepDot:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
