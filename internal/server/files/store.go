// Package files manages the workspace directory that executed code sees as
// its working directory.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/pegasus-notebook/pegasus/internal/common/errors"
	"github.com/pegasus-notebook/pegasus/internal/common/logger"
)

// Info is one listing entry.
type Info struct {
	Filename string  `json:"filename"`
	SizeKB   float64 `json:"size_kb"`
}

type Store struct {
	dir    string
	logger *logger.Logger
}

func NewStore(dir string, log *logger.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace dir: %w", err)
	}
	return &Store{
		dir:    abs,
		logger: log.WithFields(zap.String("component", "workspace-store")),
	}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", apperrors.BadRequest("Invalid filename")
	}
	return filepath.Join(s.dir, name), nil
}

// List returns the regular files at the top of the workspace.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, apperrors.InternalError("failed to list files", err)
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Filename: e.Name(), SizeKB: sizeKB(info.Size())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

func sizeKB(bytes int64) float64 {
	return math.Round(float64(bytes)/1024*100) / 100
}

// Save writes r to name, replacing any existing file.
func (s *Store) Save(ctx context.Context, name string, r io.Reader) (*Info, error) {
	path, err := s.path(filepath.Base(name))
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, apperrors.InternalError("could not save file", err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, apperrors.InternalError("could not save file", err)
	}
	s.logger.Info("file uploaded", zap.String("filename", filepath.Base(path)), zap.Int64("bytes", n))
	return &Info{Filename: filepath.Base(path), SizeKB: sizeKB(n)}, nil
}

func (s *Store) Open(ctx context.Context, name string) (*os.File, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NotFound("file", name)
	}
	if err != nil {
		return nil, apperrors.InternalError("failed to open file", err)
	}
	if st, err := f.Stat(); err == nil && st.IsDir() {
		_ = f.Close()
		return nil, apperrors.NotFound("file", name)
	}
	return f, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && st.IsDir()) {
		return apperrors.NotFound("file", name)
	}
	if err := os.Remove(path); err != nil {
		return apperrors.InternalError("failed to delete file", err)
	}
	s.logger.Info("file deleted", zap.String("filename", name))
	return nil
}

// Usage returns the total size in bytes of everything under the workspace.
func (s *Store) Usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
