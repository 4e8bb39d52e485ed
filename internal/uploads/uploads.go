// Package uploads stores knowledge-base files on local disk until they are
// handed to the agent backend.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/elysium-atlas/atlas/internal/domain"
)

var (
	// ErrInvalidSessionKey is returned for keys that are not safe path segments.
	ErrInvalidSessionKey = errors.New("invalid session key")
	// ErrTooLarge is returned when a file exceeds the size limit.
	ErrTooLarge = errors.New("file exceeds upload limit")
)

var sessionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Store keeps uploaded files under dir/<session key>/<uuid>.
type Store struct {
	dir      string
	maxBytes int64
}

// New creates the upload root if needed.
func New(dir string, maxBytes int64) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{dir: abs, maxBytes: maxBytes}, nil
}

// Save writes r to a new file owned by sessionKey.
func (s *Store) Save(sessionKey, name, contentType string, r io.Reader) (domain.FileHandle, error) {
	if !sessionKeyPattern.MatchString(sessionKey) {
		return domain.FileHandle{}, ErrInvalidSessionKey
	}
	dir := filepath.Join(s.dir, sessionKey)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return domain.FileHandle{}, fmt.Errorf("create session upload dir: %w", err)
	}

	id := uuid.NewString()
	path := filepath.Join(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return domain.FileHandle{}, fmt.Errorf("create upload file: %w", err)
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr == nil && s.maxBytes > 0 && n > s.maxBytes {
		copyErr = ErrTooLarge
	}
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return domain.FileHandle{}, fmt.Errorf("write upload %s: %w", name, err)
	}

	return domain.FileHandle{
		ID:          id,
		Name:        cleanName(name),
		Size:        n,
		ContentType: contentType,
		Path:        path,
	}, nil
}

// Remove deletes the given files. Files outside the upload root and files
// already gone are skipped.
func (s *Store) Remove(files ...domain.FileHandle) error {
	var errs []error
	for _, f := range files {
		if !s.owns(f.Path) {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RemoveSession deletes every file owned by sessionKey.
func (s *Store) RemoveSession(sessionKey string) error {
	if !sessionKeyPattern.MatchString(sessionKey) {
		return ErrInvalidSessionKey
	}
	if err := os.RemoveAll(filepath.Join(s.dir, sessionKey)); err != nil {
		return fmt.Errorf("remove session uploads: %w", err)
	}
	return nil
}

// MaxBytes returns the per-file size limit.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

func (s *Store) owns(path string) bool {
	if path == "" {
		return false
	}
	rel, err := filepath.Rel(s.dir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

func cleanName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}
