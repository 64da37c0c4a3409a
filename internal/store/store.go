// Package store persists projects and their books as JSON documents, one
// directory per project.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/book"
)

const (
	ProjectFile = "project.json"
	// BookFile is the book location of projects written before books were
	// generation-numbered. LoadBook still reads it when BookPath is empty.
	BookFile = "book.json"
)

var bookGen = regexp.MustCompile(`^book-(\d+)\.json$`)

var (
	ErrNotFound = errors.New("project not found")
	ErrExists   = errors.New("project already exists")
)

// Store is a directory of project directories.
type Store struct {
	root   string
	logger *slog.Logger
}

func Open(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create projects dir: %w", err)
	}
	return &Store{root: root, logger: logger.With(slog.String("component", "project-store"))}, nil
}

// Dir returns the directory holding project id.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// Create makes the project directory and commits its descriptor and book.
func (s *Store) Create(p *book.Project, b *book.Book) error {
	if !validID(p.ID) {
		return fmt.Errorf("invalid project id %q", p.ID)
	}
	dir := s.Dir(p.ID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", p.ID, ErrExists)
		}
		return fmt.Errorf("create project dir: %w", err)
	}
	return s.Commit(p, b)
}

// Commit persists p and, when non-nil, b. A new book is written to the next
// book-<n>.json generation and p.BookPath is pointed at it; project.json is
// replaced last, so it is the single commit point. If the descriptor cannot
// be written the new generation is removed and p.BookPath is restored.
// Superseded generations are removed once the descriptor is in place.
func (s *Store) Commit(p *book.Project, b *book.Book) error {
	if !validID(p.ID) {
		return fmt.Errorf("%s: %w", p.ID, ErrNotFound)
	}
	dir := s.Dir(p.ID)
	if b == nil {
		if err := writeJSON(filepath.Join(dir, ProjectFile), p); err != nil {
			return fmt.Errorf("persist project: %w", err)
		}
		return nil
	}

	prev := p.BookPath
	next := filepath.Join(dir, fmt.Sprintf("book-%d.json", generation(prev)+1))
	if err := writeJSON(next, b); err != nil {
		return fmt.Errorf("persist book: %w", err)
	}
	p.BookPath = next
	if err := writeJSON(filepath.Join(dir, ProjectFile), p); err != nil {
		p.BookPath = prev
		if rmErr := os.Remove(next); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("failed to remove uncommitted book", slog.String("project_id", p.ID), slog.String("error", rmErr.Error()))
		}
		return fmt.Errorf("persist project: %w", err)
	}
	s.prune(p.ID, filepath.Base(next))
	return nil
}

// generation returns n for a book-<n>.json path and 0 otherwise.
func generation(path string) int {
	m := bookGen.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// prune removes every book file of project id other than keep.
func (s *Store) prune(id, keep string) {
	entries, err := os.ReadDir(s.Dir(id))
	if err != nil {
		s.logger.Warn("failed to list superseded books", slog.String("project_id", id), slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		name := e.Name()
		if name == keep || e.IsDir() || (name != BookFile && !bookGen.MatchString(name)) {
			continue
		}
		if err := os.Remove(filepath.Join(s.Dir(id), name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove superseded book", slog.String("project_id", id), slog.String("file", name), slog.String("error", err.Error()))
		}
	}
}

// LoadProject reads the descriptor of project id.
func (s *Store) LoadProject(id string) (*book.Project, error) {
	var p book.Project
	if err := s.read(id, ProjectFile, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadBook reads the book the committed descriptor of project id points at.
func (s *Store) LoadBook(id string) (*book.Book, error) {
	var err error
	// A commit landing between the two reads can prune the generation the
	// first descriptor named; the second descriptor read sees the new one.
	for range 2 {
		var p *book.Project
		if p, err = s.LoadProject(id); err != nil {
			return nil, err
		}
		name := BookFile
		if p.BookPath != "" {
			name = filepath.Base(p.BookPath)
		}
		var b book.Book
		if err = s.read(id, name, &b); err == nil {
			return &b, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, err
}

func (s *Store) read(id, name string, v any) error {
	if !validID(id) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(id), name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s of %s: %w", name, id, err)
	}
	return nil
}

// List returns every readable project, most recently updated first.
func (s *Store) List() ([]book.Project, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	projects := make([]book.Project, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.LoadProject(e.Name())
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("skipping unreadable project", slog.String("project_id", e.Name()), slog.String("error", err.Error()))
			}
			continue
		}
		projects = append(projects, *p)
	}
	sort.SliceStable(projects, func(i, j int) bool {
		return projects[i].UpdatedAt.After(projects[j].UpdatedAt)
	})
	return projects, nil
}

// Delete removes the project directory.
func (s *Store) Delete(id string) error {
	if !validID(id) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if _, err := os.Stat(s.Dir(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return err
	}
	return os.RemoveAll(s.Dir(id))
}

// writeJSON replaces path atomically via a temp file and rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
