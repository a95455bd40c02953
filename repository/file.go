package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// FileRepository serves configuration definitions from YAML files under a
// root directory on the local filesystem.
type FileRepository struct {
	Root string
}

// NewFileRepository creates a FileRepository rooted at the given directory.
func NewFileRepository(root string) (*FileRepository, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve file repository root: %w", err)
	}
	return &FileRepository{Root: abs}, nil
}

func (f *FileRepository) resolve(path string) string {
	return filepath.Join(f.Root, path)
}

func (f *FileRepository) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(f.resolve(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *FileRepository) GetUpdateTime(_ context.Context, path string) (time.Time, error) {
	info, err := os.Stat(f.resolve(path))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func (f *FileRepository) Load(_ context.Context, path string) (ParsedConfig, error) {
	data, err := os.ReadFile(f.resolve(path))
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

func (f *FileRepository) GetAllLoadablesDefinitionNames(_ context.Context) ([]string, error) {
	var names []string
	err := filepath.WalkDir(f.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			logrus.WithError(err).WithField("path", path).Warn("error walking file repository")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yml" && ext != ".yaml" {
			return nil
		}
		rel, err := filepath.Rel(f.Root, path)
		if err != nil {
			return nil
		}
		names = append(names, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}
