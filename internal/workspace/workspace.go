// Package workspace confines agent working directories and folder
// browsing to one root directory.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"
)

var (
	ErrOutsideRoot  = errors.New("path must be inside the workspace root")
	ErrNotDirectory = errors.New("path is not a directory")
)

type FolderEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type FolderListing struct {
	Root    string        `json:"root"`
	Path    string        `json:"path"`
	Parent  *string       `json:"parent"`
	Entries []FolderEntry `json:"entries"`
}

// Root is an immutable, symlink-resolved workspace root.
type Root struct {
	path string
	real string
}

// New resolves base, defaulting to the home directory when empty.
func New(base string) (*Root, error) {
	if strings.TrimSpace(base) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		base = home
	}
	resolved := filepath.Clean(base)
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace root %s: %w", base, err)
	}
	return &Root{path: resolved, real: real}, nil
}

// Path returns the symlink-resolved root.
func (r *Root) Path() string {
	return r.real
}

// Resolve returns the real path of target, which must lie inside the
// root. An empty target means the root itself.
func (r *Root) Resolve(target string) (string, error) {
	if strings.TrimSpace(target) == "" {
		target = r.path
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.real, target)
	}
	real, err := filepath.EvalSymlinks(filepath.Clean(target))
	if err != nil {
		return "", err
	}
	if real != r.real && !strings.HasPrefix(real, r.real+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return real, nil
}

// ResolveDir is Resolve restricted to directories; it validates the
// working directory of an agent run.
func (r *Root) ResolveDir(target string) (string, error) {
	real, err := r.Resolve(target)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", ErrNotDirectory
	}
	return real, nil
}

// ListFolder lists the visible entries of a directory inside the root,
// directories first.
func (r *Root) ListFolder(inputPath string) (FolderListing, error) {
	current, err := r.ResolveDir(inputPath)
	if err != nil {
		return FolderListing{}, err
	}

	dirEntries, err := os.ReadDir(current)
	if err != nil {
		return FolderListing{}, err
	}

	entries := lo.FilterMap(dirEntries, func(entry fs.DirEntry, _ int) (FolderEntry, bool) {
		if strings.HasPrefix(entry.Name(), ".") {
			return FolderEntry{}, false
		}
		return FolderEntry{
			Name: entry.Name(),
			Path: filepath.Join(current, entry.Name()),
			Kind: entryKind(entry),
		}, true
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind == "directory"
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	var parent *string
	if current != r.real {
		p := filepath.Dir(current)
		parent = &p
	}

	return FolderListing{
		Root:    r.real,
		Path:    current,
		Parent:  parent,
		Entries: entries,
	}, nil
}

func entryKind(entry fs.DirEntry) string {
	if entry.IsDir() {
		return "directory"
	}
	return "file"
}
