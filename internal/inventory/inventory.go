// Package inventory enumerates the tunnel configuration files of a run.
package inventory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Config is one tunnel configuration file.
type Config struct {
	// Name is the base file name without its extension. Tunnel managers
	// name the installed tunnel after it.
	Name string

	// Path is absolute.
	Path string

	// Index is the 1-based position in run order.
	Index int
}

func (c Config) String() string {
	return fmt.Sprintf("%03d) %s", c.Index, c.Name)
}

// ErrDuplicateIdentity means two files in the configs dir share a name once
// their extensions are stripped, so they would drive the same tunnel.
var ErrDuplicateIdentity = errors.New("duplicate config identity")

// List returns the regular files in dir sorted by file name. Symlinks
// are followed. A non-empty pattern keeps only base names matching it
// (filepath.Match syntax). Two files with the same identity are an error.
func List(dir, pattern string) ([]Config, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve configs dir %q: %w", dir, err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read configs dir %q: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if pattern != "" {
			ok, err := filepath.Match(pattern, e.Name())
			if err != nil {
				return nil, fmt.Errorf("match pattern %q: %w", pattern, err)
			}
			if !ok {
				continue
			}
		}
		if !isRegular(abs, e) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	configs := make([]Config, 0, len(names))
	seen := make(map[string]string, len(names))
	for i, name := range names {
		id := Identity(name)
		if prev, ok := seen[id]; ok {
			return nil, fmt.Errorf("%w: %s and %s are both %q", ErrDuplicateIdentity, prev, name, id)
		}
		seen[id] = name
		configs = append(configs, Config{
			Name:  id,
			Path:  filepath.Join(abs, name),
			Index: i + 1,
		})
	}
	return configs, nil
}

func isRegular(dir string, e fs.DirEntry) bool {
	if e.Type().IsRegular() {
		return true
	}
	if e.Type()&fs.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(filepath.Join(dir, e.Name()))
	return err == nil && fi.Mode().IsRegular()
}

// Identity strips the directory and extension from a config path.
func Identity(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
