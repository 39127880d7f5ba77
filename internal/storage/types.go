package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptyStore is returned by Search when no stored message scores at or
// above the requested similarity threshold. Callers decide whether this is
// a "no relevant context" answer or a failure.
var ErrEmptyStore = errors.New("no messages above similarity threshold")

// ErrDimensionMismatch indicates a fatal configuration problem: the
// embeddings offered to the store do not match the dimension it was
// created with.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Message is a single ingested message. ID is unique across the store;
// re-ingesting the same ID replaces the prior entry atomically.
type Message struct {
	ID        string    `json:"message_id"`
	URL       string    `json:"url"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata,omitempty"`
}

// Metadata is an open key/value mapping with a closed value domain:
// string, number, bool, or list of strings. Nested structures are
// rejected so fingerprint hashing stays deterministic.
type Metadata map[string]any

// Validate rejects metadata values outside the supported domain.
func (m Metadata) Validate() error {
	for key, val := range m {
		switch v := val.(type) {
		case string, float64, int, bool, nil:
		case []string:
		case []any:
			for _, item := range v {
				if _, ok := item.(string); !ok {
					return fmt.Errorf("metadata key %q: list values must be strings, got %T", key, item)
				}
			}
		default:
			return fmt.Errorf("metadata key %q: unsupported value type %T", key, val)
		}
	}
	return nil
}

// Result is one retrieved message with its cosine similarity to the query.
type Result struct {
	Message Message `json:"message"`
	Score   float64 `json:"score"`
}

// Stats describes the current state of a store.
type Stats struct {
	Count     int `json:"count"`
	Dimension int `json:"dimension"`
}

// Store persists message embeddings and serves k-nearest-neighbor search.
// Implementations must use cosine similarity, keep a single embedding
// dimension for their lifetime, and support concurrent searches that never
// observe a store mid-mutation.
type Store interface {
	// Insert upserts a message and its embedding by message ID. The
	// replacement is atomic: a concurrent search sees either the old
	// entry or the new one, never a mix.
	Insert(ctx context.Context, msg Message, embedding []float32) error

	// Search returns the topK highest-scoring messages with cosine
	// similarity >= minScore, ranked descending, ties broken by most
	// recent ingestion. Returns ErrEmptyStore when nothing qualifies.
	Search(ctx context.Context, embedding []float32, topK int, minScore float64) ([]Result, error)

	// Stats reports entry count and embedding dimension.
	Stats(ctx context.Context) (Stats, error)

	// Version is a counter bumped on every mutation. Cache fingerprints
	// include it so answers computed against a stale store are never
	// served after an ingest or clear.
	Version(ctx context.Context) (uint64, error)

	// Clear removes all entries.
	Clear(ctx context.Context) error

	Close() error
}
