package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore is the pgvector-backed alternative to BoltStore, for
// deployments that already run PostgreSQL. Cosine similarity comes from
// the vector_cosine_ops operator class, so scores match the in-process
// computation used by BoltStore.
type PostgresStore struct {
	db        *sql.DB
	dimension int
}

// NewPostgresStore connects, installs the pgvector extension and creates
// the schema. dimension is fixed for the life of the table; a mismatch
// with an existing table is a fatal configuration error.
func NewPostgresStore(databaseURL string, dimension int) (*PostgresStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db, dimension: dimension}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	slog.Info("Initializing message store schema...")

	if _, err := s.db.Exec("CREATE EXTENSION IF NOT EXISTS vector;"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	statements := []string{
		`CREATE SEQUENCE IF NOT EXISTS messages_ingest_seq;`,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				url TEXT NOT NULL,
				author TEXT NOT NULL,
				message_timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
				content TEXT NOT NULL,
				metadata JSONB,
				embedding vector(%d) NOT NULL,
				ingest_seq BIGINT NOT NULL DEFAULT nextval('messages_ingest_seq'),
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
			);`, s.dimension),
		`CREATE TABLE IF NOT EXISTS store_meta (
			id INT PRIMARY KEY DEFAULT 1,
			version BIGINT NOT NULL DEFAULT 0,
			dimension INT NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(message_timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_messages_ingest_seq ON messages(ingest_seq);",
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	// The ivfflat index needs rows to build well; failure here is fine on
	// an empty table.
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_messages_embedding ON messages USING ivfflat (embedding vector_cosine_ops);"); err != nil {
		slog.Warn("Could not create vector index", "error", err)
	}

	if _, err := s.db.Exec(
		`INSERT INTO store_meta (id, dimension) VALUES (1, $1) ON CONFLICT (id) DO NOTHING;`,
		s.dimension,
	); err != nil {
		return fmt.Errorf("failed to initialize store meta: %w", err)
	}

	var persisted int
	if err := s.db.QueryRow(`SELECT dimension FROM store_meta WHERE id = 1`).Scan(&persisted); err != nil {
		return fmt.Errorf("failed to read store dimension: %w", err)
	}
	if persisted != s.dimension {
		return fmt.Errorf("%w: store has dimension %d, configured embeddings produce %d",
			ErrDimensionMismatch, persisted, s.dimension)
	}
	return nil
}

// Insert upserts by message id. The updated row gets a fresh ingest
// sequence so a re-ingested message counts as most recent for tie-breaks.
func (s *PostgresStore) Insert(ctx context.Context, msg Message, embedding []float32) error {
	if msg.ID == "" {
		return fmt.Errorf("message id cannot be empty")
	}
	if len(embedding) != s.dimension {
		return fmt.Errorf("%w: store has dimension %d, got vector of dimension %d",
			ErrDimensionMismatch, s.dimension, len(embedding))
	}
	if err := msg.Metadata.Validate(); err != nil {
		return fmt.Errorf("message %s: %w", msg.ID, err)
	}

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", msg.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, url, author, message_timestamp, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			author = EXCLUDED.author,
			message_timestamp = EXCLUDED.message_timestamp,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			ingest_seq = nextval('messages_ingest_seq'),
			updated_at = NOW()
	`
	if _, err := tx.ExecContext(ctx, query,
		msg.ID, msg.URL, msg.Author, msg.Timestamp, msg.Content,
		metadata, pgvector.NewVector(embedding),
	); err != nil {
		return fmt.Errorf("failed to store message %s: %w", msg.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE store_meta SET version = version + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to bump store version: %w", err)
	}
	return tx.Commit()
}

// Search ranks by cosine similarity with ingest recency as tie-break.
func (s *PostgresStore) Search(ctx context.Context, embedding []float32, topK int, minScore float64) ([]Result, error) {
	if topK < 1 {
		return nil, fmt.Errorf("topK must be >= 1, got %d", topK)
	}
	if len(embedding) != s.dimension {
		return nil, fmt.Errorf("%w: store has dimension %d, query vector has dimension %d",
			ErrDimensionMismatch, s.dimension, len(embedding))
	}

	query := `
		SELECT id, url, author, message_timestamp, content, metadata,
			   1 - (embedding <=> $1) AS score
		FROM messages
		WHERE 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1 ASC, ingest_seq DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, pgvector.NewVector(embedding), minScore, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var metadata []byte
		if err := rows.Scan(
			&r.Message.ID, &r.Message.URL, &r.Message.Author,
			&r.Message.Timestamp, &r.Message.Content, &metadata, &r.Score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &r.Message.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", r.Message.ID, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read search results: %w", err)
	}
	if len(results) == 0 {
		return nil, ErrEmptyStore
	}
	return results, nil
}

// Stats reports entry count and embedding dimension.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Dimension: s.dimension}
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&stats.Count)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count messages: %w", err)
	}
	return stats, nil
}

// Version returns the mutation counter.
func (s *PostgresStore) Version(ctx context.Context) (uint64, error) {
	var version uint64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM store_meta WHERE id = 1`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read store version: %w", err)
	}
	return version, nil
}

// Clear removes all entries and bumps the version.
func (s *PostgresStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE store_meta SET version = version + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to bump store version: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
