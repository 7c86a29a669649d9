package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresStore is the production Store, backed by a single documents table:
//
//	CREATE TABLE documents (
//	    key        TEXT PRIMARY KEY,
//	    data       JSONB NOT NULL,
//	    version    BIGINT NOT NULL DEFAULT 1,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//
// RunTransaction maps to a SERIALIZABLE SQL transaction. Postgres aborts one
// side of a conflicting pair with SQLSTATE 40001 (serialization_failure) or
// 40P01 (deadlock_detected); those attempts are retried with backoff up to
// maxTxAttempts, after which ErrContention is returned.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(postgresURL string, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	// Writes are short transactions against single rows; a modest pool is
	// enough and keeps serialization conflicts down.
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info().Msg("postgres connection established")

	return &PostgresStore{
		db:  db,
		log: logger.With().Str("component", "postgres_store").Logger(),
	}, nil
}

func (s *PostgresStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	backoff := 10 * time.Millisecond

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}

		s.log.Debug().
			Int("attempt", attempt).
			Msg("transaction serialization conflict, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return ErrContention
}

func (s *PostgresStore) runOnce(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&pgTx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, key string, out interface{}) error {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return json.Unmarshal(data, out)
}

func (s *PostgresStore) List(ctx context.Context, prefix string, limit int) ([]Document, error) {
	query := `SELECT key, data FROM documents WHERE key LIKE $1 || '%' ORDER BY key`
	args := []interface{}{prefix}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.Key, &doc.Data); err != nil {
			return nil, fmt.Errorf("list scan: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DB exposes the underlying pool for the seeder and health checks.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// pgTx adapts one SQL transaction to the Tx interface.
type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) Get(key string, out interface{}) error {
	var data []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT data FROM documents WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return json.Unmarshal(data, out)
}

func (t *pgTx) Set(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO documents (key, data, version, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (key) DO UPDATE
		SET data = EXCLUDED.data,
		    version = documents.version + 1,
		    updated_at = NOW()
	`, key, data)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) Create(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO documents (key, data, version, updated_at)
		VALUES ($1, $2, 1, NOW())
	`, key, data)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) Delete(key string) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM documents WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
