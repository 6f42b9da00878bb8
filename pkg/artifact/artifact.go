// Package artifact stores finished session recordings and hands out durable
// handles to them.
//
// A [Store] receives the encoded recording once, when the session's recorder
// is finalised, and serves it back by ID. Backends: [MemoryStore] (process
// lifetime), [FileStore] (a directory of WAV files), badgerstore (embedded KV)
// and postgres.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by [Store.Get] for an unknown ID.
var ErrNotFound = errors.New("artifact: not found")

// Artifact describes a stored recording.
type Artifact struct {
	ID        string        `json:"id"`
	URI       string        `json:"uri"`
	MIMEType  string        `json:"mime_type"`
	Size      int64         `json:"size"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Store persists recording payloads.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores data under a.ID and returns a with URI and Size filled in.
	// An empty ID is replaced by a fresh one.
	Put(ctx context.Context, a Artifact, data []byte) (Artifact, error)

	// Get returns the artifact metadata and a reader over its payload. The
	// caller must close the reader. Unknown IDs yield [ErrNotFound].
	Get(ctx context.Context, id string) (Artifact, io.ReadCloser, error)

	// Close releases backend resources.
	Close() error
}

// NewID returns a fresh artifact identifier.
func NewID() string { return uuid.NewString() }

// Prepare validates a and fills the fields every backend sets the same way:
// a missing ID or creation time, and the payload size.
func Prepare(a Artifact, data []byte) (Artifact, error) {
	if a.ID == "" {
		a.ID = NewID()
	}
	if _, err := uuid.Parse(a.ID); err != nil {
		return Artifact{}, fmt.Errorf("artifact: invalid id %q: %w", a.ID, err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.Size = int64(len(data))
	return a, nil
}
