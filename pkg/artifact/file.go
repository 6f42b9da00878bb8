package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
)

// Compile-time interface assertion.
var _ Store = (*FileStore)(nil)

// FileStore writes each artifact as <dir>/<id>.wav with a <id>.json metadata
// sidecar. URIs are file:// URLs of the payload.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a [FileStore] rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create %q: %w", abs, err)
	}
	return &FileStore{dir: abs}, nil
}

// Dir returns the absolute storage directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) paths(id string) (payload, meta string) {
	return filepath.Join(s.dir, id+".wav"), filepath.Join(s.dir, id+".json")
}

// Put implements [Store]. The payload is written to a temporary file and
// renamed, so readers never observe a partial recording.
func (s *FileStore) Put(_ context.Context, a Artifact, data []byte) (Artifact, error) {
	a, err := Prepare(a, data)
	if err != nil {
		return Artifact{}, err
	}
	payload, meta := s.paths(a.ID)
	a.URI = (&url.URL{Scheme: "file", Path: filepath.ToSlash(payload)}).String()

	if err := writeAtomic(payload, data); err != nil {
		return Artifact{}, err
	}
	m, err := json.Marshal(a)
	if err != nil {
		return Artifact{}, fmt.Errorf("artifact: marshal metadata: %w", err)
	}
	if err := writeAtomic(meta, m); err != nil {
		return Artifact{}, err
	}
	return a, nil
}

// Get implements [Store].
func (s *FileStore) Get(_ context.Context, id string) (Artifact, io.ReadCloser, error) {
	if filepath.Base(id) != id || id == "" || id == "." {
		return Artifact{}, nil, ErrNotFound
	}
	payload, meta := s.paths(id)
	raw, err := os.ReadFile(meta)
	if errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, nil, ErrNotFound
	}
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("artifact: read metadata: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return Artifact{}, nil, fmt.Errorf("artifact: decode metadata %s: %w", id, err)
	}
	f, err := os.Open(payload)
	if errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, nil, ErrNotFound
	}
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("artifact: open payload: %w", err)
	}
	return a, f, nil
}

// Close implements [Store].
func (s *FileStore) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("artifact: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("artifact: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("artifact: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("artifact: rename %s: %w", path, err)
	}
	return nil
}
