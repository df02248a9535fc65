package confkit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeromicro/go-zero/core/conf"
)

// ResolvePath expands environment variables in file and, when the result is
// relative, anchors it at base. Absolute paths pass through unchanged.
func ResolvePath(base, file string) string {
	expanded := os.ExpandEnv(file)
	if filepath.IsAbs(expanded) {
		return expanded
	}
	return filepath.Join(base, expanded)
}

// BaseDir returns the directory holding the main config file. Section files
// referenced from it resolve relative to this directory.
func BaseDir(mainPath string) string {
	return filepath.Dir(mainPath)
}

// LoadFile parses a config file into T through go-zero's conf loader,
// optionally with environment variable substitution enabled.
func LoadFile[T any](path string, useEnv bool) (*T, error) {
	var cfg T
	var opts []conf.Option
	if useEnv {
		opts = append(opts, conf.UseEnv())
	}
	if err := conf.Load(path, &cfg, opts...); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &cfg, nil
}

// Section is a config subtree that may live in its own file. The main config
// carries only the File reference; Hydrate fills Value after loading.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Hydrate resolves File against base and parses it with loader, recording the
// resolved path back into File. A Section with no File is left untouched, so
// tests can inject Value directly.
func (s *Section[T]) Hydrate(base string, loader func(string) (*T, error)) error {
	if s.File == "" {
		return nil
	}
	resolved := ResolvePath(base, s.File)
	value, err := loader(resolved)
	if err != nil {
		return err
	}
	s.File = resolved
	s.Value = value
	return nil
}
