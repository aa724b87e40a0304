// Package catalog lists and resolves print files under a root directory.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// ErrNotFound is returned by Resolve when no file matches a name.
var ErrNotFound = errors.New("catalog: file not found")

// Extensions lists the suffixes included by recursive listings.
var Extensions = []string{"gcode", "g", "gco"}

// Entry is one listed file.
type Entry struct {
	// Name is the path relative to the catalog root, using '/' separators.
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Catalog is a directory of print files.
type Catalog struct {
	root string
}

// New creates a catalog rooted at dir.
func New(dir string) *Catalog {
	return &Catalog{root: filepath.Clean(dir)}
}

// Root returns the catalog directory.
func (c *Catalog) Root() string {
	return c.root
}

// Path returns the absolute location of a catalog name.
func (c *Catalog) Path(name string) string {
	return filepath.Join(c.root, filepath.FromSlash(name))
}

// List returns the files in the catalog sorted case-insensitively.
//
// A flat listing includes every regular, non-hidden file in the root. A
// recursive listing walks non-hidden subdirectories and includes only files
// with a print extension.
func (c *Catalog) List(recursive bool) ([]Entry, error) {
	var entries []Entry
	var err error
	if recursive {
		entries, err = c.walk()
	} else {
		entries, err = c.flat()
	}
	if err != nil {
		return nil, err
	}

	fold := cases.Fold()
	sort.SliceStable(entries, func(i, j int) bool {
		return fold.String(entries[i].Name) < fold.String(entries[j].Name)
	})
	return entries, nil
}

func (c *Catalog) flat() ([]Entry, error) {
	dirents, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("catalog: list %s: %w", c.root, err)
	}

	var entries []Entry
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".") {
			continue
		}
		info, err := os.Stat(filepath.Join(c.root, d.Name()))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, Entry{Name: d.Name(), Size: info.Size()})
	}
	return entries, nil
}

func (c *Catalog) walk() ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == c.root {
				return err
			}
			return nil
		}
		if path != c.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !hasPrintExt(d.Name()) {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return nil
		}
		entries = append(entries, Entry{Name: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: walk %s: %w", c.root, err)
	}
	return entries, nil
}

func hasPrintExt(name string) bool {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return false
	}
	ext := name[i+1:]
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Resolve maps name to a listed entry. An exact match wins; otherwise the
// first entry equal under case folding is returned.
func (c *Catalog) Resolve(name string, recursive bool) (Entry, error) {
	entries, err := c.List(recursive)
	if err != nil {
		return Entry{}, err
	}

	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}

	fold := cases.Fold()
	want := fold.String(name)
	for _, e := range entries {
		if fold.String(e.Name) == want {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}
