package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// File — менеджер outputs в файловой системе.
//
// Каждый output лежит в отдельном файле {dir}/{run_id}/{step_name}/{output_name}.json.
// Запись атомарна: значение пишется во временный файл и переименовывается,
// поэтому читатель никогда не видит недописанный output.
type File struct {
	dir string
}

// NewFile создаёт файловый менеджер с корнем dir.
func NewFile(dir string) (*File, error) {
	if dir == "" {
		return nil, errors.New("storage dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &File{dir: dir}, nil
}

// HandleOutput сохраняет значение в файл. Повторная запись по тому же
// ключу перезаписывает файл целиком.
func (f *File) HandleOutput(ctx context.Context, oc *OutputContext, value any) (Key, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal output %s: %w", oc.Key(), err)
	}

	path := f.path(oc.Key())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	// Атомарная запись: tmp-файл в той же директории + rename
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write output %s: %w", oc.Key(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename output %s: %w", oc.Key(), err)
	}

	return oc.Key(), nil
}

// LoadInput загружает значение из файла.
func (f *File) LoadInput(ctx context.Context, key Key) (any, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &MissingOutputError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("read output %s: %w", key, err)
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("unmarshal output %s: %w", key, err)
	}
	return value, nil
}

func (f *File) path(key Key) string {
	return filepath.Join(f.dir, filepath.FromSlash(string(key))+".json")
}
