package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyagen/streamsweep/internal/models"
)

// Postgres implements Backend using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres backend from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

var partitionColumns = []string{"kind", "key", "position", "channel_id", "name", "url", "logo", "categories", "country"}

func (p *Postgres) Read(ctx context.Context, part Partition) ([]models.Channel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT channel_id, name, url, logo, categories, country
		 FROM partition_entries WHERE kind = $1 AND key = $2 ORDER BY position`,
		string(part.Kind), part.Key,
	)
	if err != nil {
		return nil, fmt.Errorf("Read: %w", err)
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.URL, &ch.Logo, &ch.Categories, &ch.Country); err != nil {
			return nil, fmt.Errorf("Read scan: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// Write replaces the partition inside one transaction, bulk loading rows with COPY.
func (p *Postgres) Write(ctx context.Context, part Partition, channels []models.Channel) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM partition_entries WHERE kind = $1 AND key = $2`,
			string(part.Kind), part.Key,
		); err != nil {
			return fmt.Errorf("delete partition: %w", err)
		}
		if len(channels) == 0 {
			return nil
		}
		rows := make([][]any, len(channels))
		for i, ch := range channels {
			cats := ch.Categories
			if cats == nil {
				cats = []string{}
			}
			rows[i] = []any{string(part.Kind), part.Key, i, ch.ID, ch.Name, ch.URL, ch.Logo, cats, ch.Country}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"partition_entries"}, partitionColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy partition: %w", err)
		}
		return nil
	})
}

func (p *Postgres) List(ctx context.Context, kind Kind) ([]Partition, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT key FROM partition_entries WHERE kind = $1 ORDER BY key`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("List scan: %w", err)
	}
	parts := make([]Partition, len(keys))
	for i, k := range keys {
		parts[i] = Partition{Kind: kind, Key: k}
	}
	return parts, nil
}

func (p *Postgres) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `TRUNCATE partition_entries`); err != nil {
		return fmt.Errorf("Reset: %w", err)
	}
	return nil
}
