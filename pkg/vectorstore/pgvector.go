package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/lib/pq"
)

// PGVector stores points in a Postgres table with a pgvector column.
type PGVector struct {
	db        *sql.DB
	table     string
	dimension int

	mu      sync.Mutex
	ensured bool
}

// OpenPGVector opens cfg.DSN with the lib/pq driver.
func OpenPGVector(cfg Config) (*PGVector, error) {
	if cfg.DSN == "" {
		return nil, errors.New("pgvector dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open pgvector: %w", err)
	}
	return NewPGVector(db, cfg), nil
}

// NewPGVector wraps an open database handle.
func NewPGVector(db *sql.DB, cfg Config) *PGVector {
	table := cfg.Collection
	if table == "" {
		table = DefaultCollection
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &PGVector{db: db, table: table, dimension: dimension}
}

func (p *PGVector) EnsureCollection(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ensured {
		return nil
	}
	for _, stmt := range p.schema() {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pgvector schema: %w", err)
		}
	}
	p.ensured = true
	return nil
}

func (p *PGVector) schema() []string {
	table := pq.QuoteIdentifier(p.table)
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			payload JSONB NOT NULL,
			vector vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, p.dimension),
	}
	for _, field := range IndexedFields {
		parts := strings.Split(field, ".")
		expr := "payload"
		for i, part := range parts {
			op := "->"
			if i == len(parts)-1 {
				op = "->>"
			}
			expr += op + pq.QuoteLiteral(part)
		}
		index := pq.QuoteIdentifier(p.table + "_" + strings.ReplaceAll(field, ".", "_") + "_idx")
		stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((%s))`, index, table, expr))
	}
	return stmts
}

// Upsert writes all points in one transaction.
func (p *PGVector) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, payload, vector) VALUES ($1, $2, $3::vector)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, vector = EXCLUDED.vector, updated_at = now()`,
		pq.QuoteIdentifier(p.table)))
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, point := range points {
		if len(point.Vector) != p.dimension {
			return fmt.Errorf("point %s has %d dimensions, table expects %d", point.ID, len(point.Vector), p.dimension)
		}
		payload, err := json.Marshal(point.Payload)
		if err != nil {
			return fmt.Errorf("encode payload %s: %w", point.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, point.ID, string(payload), vectorLiteral(point.Vector)); err != nil {
			return fmt.Errorf("upsert point %s: %w", point.ID, err)
		}
	}
	return tx.Commit()
}

// vectorLiteral formats v in pgvector text form: [0.1,0.2,0.3].
func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, val := range v {
		parts[i] = strconv.FormatFloat(float64(val), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
