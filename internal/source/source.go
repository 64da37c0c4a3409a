// Package source validates and loads source documents into an unsegmented Book.
package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/loqalabs/loqa-narrator/internal/book"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported source format")
	ErrTooLarge          = errors.New("source document too large")
)

// DefaultMaxBytes bounds accepted source documents.
const DefaultMaxBytes int64 = 100 << 20

// Extensions lists the accepted source file extensions.
var Extensions = []string{".txt", ".md", ".epub"}

// Loader turns one source file into a Book.
type Loader interface {
	Load(path string) (*book.Book, error)
}

// Validate checks the extension allow-list and the size limit.
func Validate(path string, maxBytes int64) error {
	ext := strings.ToLower(filepath.Ext(path))
	if !supported(ext) {
		return fmt.Errorf("%w: %q (allowed: %s)", ErrUnsupportedFormat, ext, strings.Join(Extensions, ", "))
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrUnsupportedFormat, path)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if info.Size() > maxBytes {
		return fmt.Errorf("%w: %s exceeds %s", ErrTooLarge,
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(maxBytes)))
	}
	return nil
}

// ForPath selects the loader for the file extension.
func ForPath(path string) (Loader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
		return TextLoader{}, nil
	case ".epub":
		return EPUBLoader{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Load validates path and loads it with the matching loader. The book ID is
// left empty for the owning project to assign.
func Load(path string, maxBytes int64) (*book.Book, error) {
	if err := Validate(path, maxBytes); err != nil {
		return nil, err
	}
	loader, err := ForPath(path)
	if err != nil {
		return nil, err
	}
	return loader.Load(path)
}

func supported(ext string) bool {
	for _, e := range Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func baseTitle(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
