// Package storage manages the directory the file server serves from.
package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

var (
	ErrInvalidName = errors.New("invalid file name")
)

// Root is a directory whose regular files can be downloaded
type Root struct {
	dir      string
	resolved string // dir with symlinks resolved
}

// FileInfo describes a servable file
type FileInfo struct {
	Name    string    `json:"name" yaml:"name"`
	Size    int64     `json:"size" yaml:"size"`
	ModTime time.Time `json:"mod_time" yaml:"mod_time"`
	Digest  string    `json:"blake3" yaml:"blake3"`
}

// Prepare creates dir (and parents) and returns a Root for it
func Prepare(dir string) (*Root, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty root directory", ErrInvalidName)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", dir, err)
	}

	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root %s: %w", abs, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", abs, err)
	}

	return &Root{dir: abs, resolved: resolved}, nil
}

// Dir returns the absolute path of the root
func (r *Root) Dir() string {
	return r.dir
}

// Resolve maps a client supplied name to a path inside the root
func (r *Root) Resolve(name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	path := filepath.Join(r.dir, filepath.FromSlash(name))
	if !within(r.dir, path) {
		return "", fmt.Errorf("%w: %q escapes root", ErrInvalidName, name)
	}
	return path, nil
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// confine resolves symlinks in the path of name and rejects targets outside
// the root
func (r *Root) confine(name string) (string, error) {
	path, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	if !within(r.resolved, resolved) {
		return "", fmt.Errorf("%w: %q links outside root", ErrInvalidName, name)
	}
	return resolved, nil
}

// Open opens name for reading and returns its size
func (r *Root) Open(name string) (*os.File, int64, error) {
	path, err := r.confine(name)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %q is not a regular file", ErrInvalidName, name)
	}

	return f, info.Size(), nil
}

// Exists reports whether name is a regular file inside the root
func (r *Root) Exists(name string) bool {
	path, err := r.confine(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// List returns the regular files at the top level of the root, sorted by name
func (r *Root) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read root %s: %w", r.dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		digest, err := r.Digest(entry.Name())
		if err != nil {
			return nil, err
		}

		files = append(files, FileInfo{
			Name:    entry.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Digest:  digest,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Digest returns the hex BLAKE3-256 digest of name
func (r *Root) Digest(name string) (string, error) {
	f, _, err := r.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", name, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Cleanup removes the root and everything beneath it
func (r *Root) Cleanup() error {
	if err := os.RemoveAll(r.dir); err != nil {
		return fmt.Errorf("failed to remove root %s: %w", r.dir, err)
	}
	return nil
}
