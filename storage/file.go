package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/recallkit/recall-go-sdk/core"
)

// FileKV stores one file per record under a root directory. It is the
// fallback backend when no database is configured: simple, inspectable,
// good enough for local development.
type FileKV struct {
	root string
}

// NewFileKV creates (if necessary) and opens a file-backed store rooted at
// dir.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "create storage dir", goerr.V("dir", dir))
	}
	return &FileKV{root: dir}, nil
}

func (f *FileKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, goerr.Wrap(core.ErrNotFound, "no record", goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "read record", goerr.V("key", key))
	}
	return data, nil
}

func (f *FileKV) Set(ctx context.Context, key string, blob []byte) error {
	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return goerr.Wrap(err, "create record dir", goerr.V("key", key))
	}

	// Write to a temp file then rename so readers never see a torn record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return goerr.Wrap(err, "write record", goerr.V("key", key))
	}
	if err := os.Rename(tmp, path); err != nil {
		return goerr.Wrap(err, "commit record", goerr.V("key", key))
	}
	return nil
}

func (f *FileKV) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return goerr.Wrap(err, "delete record", goerr.V("key", key))
	}
	return nil
}

func (f *FileKV) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return err
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, goerr.Wrap(err, "list records", goerr.V("prefix", prefix))
	}
	return keys, nil
}

func (f *FileKV) Close() error {
	return nil
}

// path maps a key like "session/session_abc" to a file path, replacing
// filesystem-unsafe characters so keys cannot escape the root.
func (f *FileKV) path(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = safeFilename(p)
	}
	return filepath.Join(f.root, filepath.Join(parts...)) + ".json"
}

// safeFilename replaces filesystem-unsafe characters with underscores.
// Dot segments map to an underscore too, so no key can walk out of the
// storage root.
func safeFilename(name string) string {
	const unsafe = `<>:"/\|?*`
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(unsafe, r) {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}
	s := strings.TrimSpace(b.String())
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
