package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/voyagen/streamsweep/internal/models"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLite stores partitions as ordered rows in a single SQLite table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Read(ctx context.Context, p Partition) ([]models.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, name, url, logo, categories, country
		 FROM partition_entries WHERE kind = ? AND key = ? ORDER BY position`,
		string(p.Kind), p.Key)
	if err != nil {
		return nil, fmt.Errorf("query partition: %w", err)
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		var ch models.Channel
		var cats string
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.URL, &ch.Logo, &cats, &ch.Country); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal([]byte(cats), &ch.Categories); err != nil {
			return nil, fmt.Errorf("decode categories of %q: %w", ch.ID, err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *SQLite) Write(ctx context.Context, p Partition, channels []models.Channel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM partition_entries WHERE kind = ? AND key = ?`, string(p.Kind), p.Key); err != nil {
		return fmt.Errorf("delete partition: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO partition_entries (kind, key, position, channel_id, name, url, logo, categories, country)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, ch := range channels {
		cats, err := json.Marshal(ch.Categories)
		if err != nil {
			return fmt.Errorf("encode categories: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, string(p.Kind), p.Key, i, ch.ID, ch.Name, ch.URL, ch.Logo, string(cats), ch.Country); err != nil {
			return fmt.Errorf("insert %q: %w", ch.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, kind Kind) ([]Partition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT key FROM partition_entries WHERE kind = ? ORDER BY key`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()

	var parts []Partition
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		parts = append(parts, Partition{Kind: kind, Key: key})
	}
	return parts, rows.Err()
}

func (s *SQLite) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM partition_entries`); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
