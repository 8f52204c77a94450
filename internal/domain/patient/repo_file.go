package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const fileStorePerm = 0o644

// FileStore keeps the collection in one JSON file. Writes go to a temp file
// in the same directory which is fsynced and renamed over the target, so
// readers only ever open a complete file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Driver() string { return "file" }

// Path returns the location of the store file.
func (s *FileStore) Path() string { return s.path }

// Init writes "{}" if the file does not exist. The empty file is staged and
// hard-linked into place, which fails if another process created the file
// first, so an existing store is never replaced.
func (s *FileStore) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return s.fail("init", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return s.fail("init", err)
	}
	tmp, err := s.writeTemp([]byte("{}\n"))
	if err != nil {
		return s.fail("init", err)
	}
	defer func() { _ = os.Remove(tmp) }()

	if err := os.Link(tmp, s.path); err != nil && !errors.Is(err, fs.ErrExist) {
		return s.fail("init", err)
	}
	syncDir(dir)
	return nil
}

func (s *FileStore) Load(ctx context.Context) (Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, s.fail("load", err)
	}
	return decodeCollection(s.Driver(), data)
}

func (s *FileStore) Save(ctx context.Context, c Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeCollection(c)
	if err != nil {
		return s.fail("save", err)
	}
	data = append(data, '\n')

	tmp, err := s.writeTemp(data)
	if err != nil {
		return s.fail("save", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return s.fail("save", err)
	}
	syncDir(filepath.Dir(s.path))
	return nil
}

// writeTemp stores data in a fresh file next to the target and returns its
// name. The file is synced and closed before returning.
func (s *FileStore) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	cleanup := func(err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(name)
		return "", err
	}

	if _, err := f.Write(data); err != nil {
		return cleanup(err)
	}
	if err := f.Chmod(fileStorePerm); err != nil {
		return cleanup(err)
	}
	if err := f.Sync(); err != nil {
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func (s *FileStore) fail(op string, err error) error {
	return &StorageError{Op: op, Driver: s.Driver(), Err: fmt.Errorf("%s: %w", s.path, err)}
}

// syncDir flushes the directory entry after a rename. Not every platform
// supports syncing a directory, so errors are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func encodeCollection(c Collection) ([]byte, error) {
	if c == nil {
		c = Collection{}
	}
	return json.MarshalIndent(c, "", "    ")
}

// decodeCollection rejects anything that is not a JSON object of records.
func decodeCollection(driver string, data []byte) (Collection, error) {
	var c Collection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &StorageError{Op: "load", Driver: driver, Err: fmt.Errorf("malformed store: %w", err)}
	}
	if c == nil {
		return nil, &StorageError{Op: "load", Driver: driver, Err: errors.New("malformed store: top-level value must be an object")}
	}
	return c, nil
}

func (s *FileStore) Update(ctx context.Context, fn func(Collection) error) error {
	return loadModifySave(ctx, s, fn)
}
