// Package ldif applies a hierarchical tree of LDIF change files to the
// directory in dependency order: for any directory, all of its
// subdirectories are fully applied before the change files directly inside
// it. Files deeper in the tree carry lower-level dependencies (module and
// schema loads) that must exist before higher-level overlay configuration
// can be applied.
package ldif

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ChangeUnit is one discovered change file. Units are immutable once
// discovered; a run reads the tree fresh every time.
type ChangeUnit struct {
	Path  string // full path of the change file
	Name  string // file name, the lexicographic sibling order key
	Depth int    // directory depth below the discovery root
}

// Discover walks the tree rooted at root and returns every *.ldif change
// file in application order: iterative post-order over directories, with
// subdirectories and files each visited in ascending lexicographic name
// order. The order is deterministic for identical input trees, and no file
// ever precedes a file located in one of its descendant directories.
func Discover(root string) ([]ChangeUnit, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("change file root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("change file root %s is not a directory", root)
	}

	type frame struct {
		dir      string
		depth    int
		expanded bool
	}

	var units []ChangeUnit
	stack := []frame{{dir: root, depth: 0}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.expanded {
			// Subdirectories already emitted; now this directory's own files.
			files, err := listChangeFiles(f.dir)
			if err != nil {
				return nil, err
			}
			for _, name := range files {
				units = append(units, ChangeUnit{
					Path:  filepath.Join(f.dir, name),
					Name:  name,
					Depth: f.depth,
				})
			}
			continue
		}

		subdirs, err := listSubdirs(f.dir)
		if err != nil {
			return nil, err
		}

		// Re-push this directory marked expanded, then its subdirectories in
		// reverse so they pop (and emit) in ascending lexicographic order,
		// all before this directory's own files.
		stack = append(stack, frame{dir: f.dir, depth: f.depth, expanded: true})
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, frame{
				dir:   filepath.Join(f.dir, subdirs[i]),
				depth: f.depth + 1,
			})
		}
	}

	return units, nil
}

func listSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func listChangeFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".ldif") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
