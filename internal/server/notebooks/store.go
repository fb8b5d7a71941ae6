// Package notebooks stores notebook documents as .ipynb files in one directory.
package notebooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	apperrors "github.com/pegasus-notebook/pegasus/internal/common/errors"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
)

const Ext = ".ipynb"

// Info is one listing entry.
type Info struct {
	Filename string `json:"filename"`
}

type Store struct {
	dir    string
	logger *logger.Logger
}

// NewStore creates dir if needed.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid notebook dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create notebook dir: %w", err)
	}
	return &Store{
		dir:    abs,
		logger: log.WithFields(zap.String("component", "notebook-store")),
	}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Filename validates name and appends the extension when missing.
func Filename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperrors.BadRequest("Notebook name is required")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", apperrors.BadRequest("Invalid filename")
	}
	if !strings.HasSuffix(name, Ext) {
		name += Ext
	}
	return name, nil
}

// Path resolves name inside the store directory.
func (s *Store) Path(name string) (string, error) {
	filename, err := Filename(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, filename)
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel != filename {
		return "", apperrors.Forbidden("Access denied")
	}
	return path, nil
}

func (s *Store) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.InternalError("failed to list notebooks", err)
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Ext) {
			continue
		}
		out = append(out, Info{Filename: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func (s *Store) Get(ctx context.Context, name string) (*models.Document, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFound("notebook", filepath.Base(path))
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to read notebook", err)
	}
	doc, err := models.Parse(data)
	if err != nil {
		return nil, apperrors.InternalError("stored notebook is invalid", err)
	}
	return doc, nil
}

// Put creates or replaces the notebook.
func (s *Store) Put(ctx context.Context, name string, doc *models.Document) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.BadRequest("notebook cannot be encoded")
	}
	if err := writeFileAtomic(path, data); err != nil {
		return apperrors.InternalError("failed to write notebook", err)
	}
	s.logger.Debug("notebook saved", zap.String("notebook", filepath.Base(path)), zap.Int("bytes", len(data)))
	return nil
}

func (s *Store) Rename(ctx context.Context, name, newName string) error {
	from, err := s.Path(name)
	if err != nil {
		return err
	}
	to, err := s.Path(newName)
	if err != nil {
		return err
	}
	if _, err := os.Stat(from); errors.Is(err, fs.ErrNotExist) {
		return apperrors.NotFound("notebook", filepath.Base(from))
	}
	if _, err := os.Stat(to); err == nil {
		return apperrors.Conflict("A notebook with the new name already exists")
	}
	if err := os.Rename(from, to); err != nil {
		return apperrors.InternalError("failed to rename notebook", err)
	}
	s.logger.Info("notebook renamed", zap.String("from", filepath.Base(from)), zap.String("to", filepath.Base(to)))
	return nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperrors.NotFound("notebook", filepath.Base(path))
		}
		return apperrors.InternalError("failed to delete notebook", err)
	}
	s.logger.Info("notebook deleted", zap.String("notebook", filepath.Base(path)))
	return nil
}

// Open returns the raw file for download.
func (s *Store) Open(ctx context.Context, name string) (*os.File, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFound("notebook", filepath.Base(path))
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to open notebook", err)
	}
	return f, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
