package confkit

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// maxClimb caps how far upward lookups walk. Deep enough for any sane
// checkout layout, shallow enough to stay cheap when nothing matches.
const maxClimb = 8

// ProjectRoot locates the repository root by climbing from this package's
// source location until a go.mod or .git entry appears. Binaries built
// without source paths fall back to the working directory.
func ProjectRoot() (string, error) {
	if start, ok := sourceDir(); ok {
		var root string
		found := climb(start, func(dir string) bool {
			if isProjectRoot(dir) {
				root = dir
				return true
			}
			return false
		})
		if found {
			return root, nil
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return ".", fmt.Errorf("getwd: %w", err)
	}
	return wd, nil
}

// MustProjectRoot returns the repository root path or panics on failure.
func MustProjectRoot() string {
	root, err := ProjectRoot()
	if err != nil {
		panic(err)
	}
	return root
}

// MustProjectPath joins the repository root with the provided relative
// path, panicking when the root cannot be located.
func MustProjectPath(rel string) string {
	return filepath.Join(MustProjectRoot(), rel)
}

// climb visits dir and then each parent in turn until visit returns true,
// the filesystem root is reached or maxClimb levels have been tried.
func climb(dir string, visit func(dir string) bool) bool {
	for i := 0; i < maxClimb; i++ {
		if visit(dir) {
			return true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
	return false
}

// sourceDir anchors lookups at this file's compiled-in location, which
// holds steady no matter where the process was started from.
func sourceDir() (string, bool) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", false
	}
	return filepath.Dir(file), true
}

func isProjectRoot(dir string) bool {
	return fileExists(filepath.Join(dir, "go.mod")) || fileExists(filepath.Join(dir, ".git"))
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}
