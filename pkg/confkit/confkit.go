// Package confkit carries the configuration plumbing shared by the
// simulator's config surfaces: go-zero file loading, companion-file section
// hydration, .env bootstrapping and project-root discovery.
package confkit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeromicro/go-zero/core/conf"
)

// LoadFile parses a YAML or JSON config file into T using go-zero's loader.
// useEnv enables ${VAR} expansion inside the file body.
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

// Section points the main config file at a companion file carrying one
// subsystem's configuration. File holds the path as written in the main
// file until hydration resolves it; Value holds the parsed result.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Hydrate parses the companion file through loader and records both the
// resolved path and the parsed value. A Section with no File stays empty,
// so deployments opt in per subsystem.
func (s *Section[T]) Hydrate(baseDir string, loader func(string) (*T, error)) error {
	if s.File == "" {
		return nil
	}
	resolved := resolvePath(baseDir, s.File)
	value, err := loader(resolved)
	if err != nil {
		return err
	}
	s.File, s.Value = resolved, value
	return nil
}

// resolvePath expands environment references in a configured path and roots
// relative paths at the main config file's directory.
func resolvePath(baseDir, file string) string {
	file = os.ExpandEnv(file)
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(baseDir, file)
}
