package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketVectors = []byte("vectors")
	bucketMeta    = []byte("meta")

	metaDimension = []byte("dimension")
	metaVersion   = []byte("version")
)

// BoltStore is the default on-disk vector store, backed by a single bbolt
// database file. Vectors and message metadata are written in one
// transaction so searches never observe a half-written entry, and bbolt's
// snapshot isolation lets concurrent searches run against a consistent
// view while inserts and clears act as barriers.
type BoltStore struct {
	db *bolt.DB
}

// boltEntry is the stored value for one message. Seq records ingestion
// order and breaks similarity ties in favor of the most recent entry.
type boltEntry struct {
	Message Message `json:"message"`
	Seq     uint64  `json:"seq"`
}

// NewBoltStore opens (or creates) the database at path. When expectedDim
// is non-zero and the persisted store was built with a different embedding
// dimension, opening fails with ErrDimensionMismatch rather than silently
// truncating vectors.
func NewBoltStore(path string, expectedDim int) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store %s: %w", path, err)
	}

	store := &BoltStore{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketVectors, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}

		persisted := readUint64(tx.Bucket(bucketMeta).Get(metaDimension))
		if persisted != 0 && expectedDim != 0 && persisted != uint64(expectedDim) {
			return fmt.Errorf("%w: store has dimension %d, configured embeddings produce %d",
				ErrDimensionMismatch, persisted, expectedDim)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("Opened vector store", slog.String("path", path))
	return store, nil
}

// Insert upserts msg and its embedding in a single transaction.
func (s *BoltStore) Insert(ctx context.Context, msg Message, embedding []float32) error {
	if msg.ID == "" {
		return fmt.Errorf("message id cannot be empty")
	}
	if len(embedding) == 0 {
		return fmt.Errorf("embedding cannot be empty")
	}
	if err := msg.Metadata.Validate(); err != nil {
		return fmt.Errorf("message %s: %w", msg.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		dim := readUint64(meta.Get(metaDimension))
		switch {
		case dim == 0:
			if err := meta.Put(metaDimension, writeUint64(uint64(len(embedding)))); err != nil {
				return err
			}
		case dim != uint64(len(embedding)):
			return fmt.Errorf("%w: store has dimension %d, got vector of dimension %d",
				ErrDimensionMismatch, dim, len(embedding))
		}

		entries := tx.Bucket(bucketEntries)
		seq, err := entries.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate ingest sequence: %w", err)
		}

		value, err := json.Marshal(boltEntry{Message: msg, Seq: seq})
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
		}
		if err := entries.Put([]byte(msg.ID), value); err != nil {
			return fmt.Errorf("failed to store message %s: %w", msg.ID, err)
		}
		if err := tx.Bucket(bucketVectors).Put([]byte(msg.ID), encodeVector(embedding)); err != nil {
			return fmt.Errorf("failed to store vector %s: %w", msg.ID, err)
		}

		return bumpVersion(meta)
	})
}

// Search scans every stored vector, which is fine for the message volumes
// this service handles. Runs in a read transaction, so concurrent inserts
// and clears never produce partial results.
func (s *BoltStore) Search(ctx context.Context, embedding []float32, topK int, minScore float64) ([]Result, error) {
	if topK < 1 {
		return nil, fmt.Errorf("topK must be >= 1, got %d", topK)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type scored struct {
		result Result
		seq    uint64
	}

	var matches []scored
	err := s.db.View(func(tx *bolt.Tx) error {
		dim := readUint64(tx.Bucket(bucketMeta).Get(metaDimension))
		if dim != 0 && dim != uint64(len(embedding)) {
			return fmt.Errorf("%w: store has dimension %d, query vector has dimension %d",
				ErrDimensionMismatch, dim, len(embedding))
		}

		vectors := tx.Bucket(bucketVectors)
		return tx.Bucket(bucketEntries).ForEach(func(id, raw []byte) error {
			score := CosineSimilarity(embedding, decodeVector(vectors.Get(id)))
			if score < minScore {
				return nil
			}
			var entry boltEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("failed to decode message %s: %w", id, err)
			}
			matches = append(matches, scored{
				result: Result{Message: entry.Message, Score: score},
				seq:    entry.Seq,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrEmptyStore
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].result.Score != matches[j].result.Score {
			return matches[i].result.Score > matches[j].result.Score
		}
		return matches[i].seq > matches[j].seq
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = m.result
	}
	return results, nil
}

// Stats reports entry count and embedding dimension.
func (s *BoltStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		stats.Count = tx.Bucket(bucketEntries).Stats().KeyN
		stats.Dimension = int(readUint64(tx.Bucket(bucketMeta).Get(metaDimension)))
		return nil
	})
	return stats, err
}

// Version returns the mutation counter.
func (s *BoltStore) Version(ctx context.Context) (uint64, error) {
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		version = readUint64(tx.Bucket(bucketMeta).Get(metaVersion))
		return nil
	})
	return version, err
}

// Clear drops every entry and resets the dimension, so the next insert
// fixes a fresh one. In-flight searches complete against their snapshot.
func (s *BoltStore) Clear(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketEntries, bucketVectors} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to drop bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to recreate bucket %s: %w", name, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		if err := meta.Put(metaDimension, writeUint64(0)); err != nil {
			return err
		}
		return bumpVersion(meta)
	})
}

// Close flushes and closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func bumpVersion(meta *bolt.Bucket) error {
	next := readUint64(meta.Get(metaVersion)) + 1
	return meta.Put(metaVersion, writeUint64(next))
}

func readUint64(raw []byte) uint64 {
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func writeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func encodeVector(vec []float32) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(vec)*4))
	for _, v := range vec {
		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], math.Float32bits(v))
		buf.Write(raw[:])
	}
	return buf.Bytes()
}

func decodeVector(raw []byte) []float32 {
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec
}
