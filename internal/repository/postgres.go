package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 1 * time.Minute
)

const schema = `CREATE TABLE IF NOT EXISTS participant_columns (
	participant_id TEXT NOT NULL,
	column_name    TEXT NOT NULL,
	value          BYTEA NOT NULL,
	file_extension TEXT NOT NULL DEFAULT '',
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (participant_id, column_name)
);
CREATE INDEX IF NOT EXISTS participant_columns_value_idx ON participant_columns (column_name, value);`

// PostgresStore implements Store on a single participant_columns table.
type PostgresStore struct {
	db               *sql.DB
	pseudonymColumns []string
}

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, pseudonymColumns []string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return NewPostgresStoreFromDB(db, pseudonymColumns), nil
}

// NewPostgresStoreFromDB wraps an open connection pool.
func NewPostgresStoreFromDB(db *sql.DB, pseudonymColumns []string) *PostgresStore {
	return &PostgresStore{db: db, pseudonymColumns: pseudonymColumns}
}

func (s *PostgresStore) Read(ctx context.Context, spColumn string, columns []string) ([]Participant, error) {
	query := `SELECT sp.value, c.column_name, c.value
		FROM participant_columns sp
		LEFT JOIN participant_columns c
			ON c.participant_id = sp.participant_id AND c.column_name = ANY($2)
		WHERE sp.column_name = $1 AND length(sp.value) > 0`

	rows, err := s.db.QueryContext(ctx, query, spColumn, pq.Array(columns))
	if err != nil {
		return nil, fmt.Errorf("error reading participants: %w", err)
	}
	defer rows.Close()

	byPseudonym := make(map[string]map[string]string)
	for rows.Next() {
		var sp []byte
		var column sql.NullString
		var value []byte
		if err := rows.Scan(&sp, &column, &value); err != nil {
			return nil, fmt.Errorf("error scanning participant row: %w", err)
		}
		cols, ok := byPseudonym[string(sp)]
		if !ok {
			cols = make(map[string]string)
			byPseudonym[string(sp)] = cols
		}
		if column.Valid {
			cols[column.String] = string(value)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participant rows: %w", err)
	}

	out := make([]Participant, 0, len(byPseudonym))
	for sp, cols := range byPseudonym {
		out = append(out, Participant{ShortPseudonym: sp, Columns: cols})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortPseudonym < out[j].ShortPseudonym })
	return out, nil
}

func (s *PostgresStore) CheckExistence(ctx context.Context, shortPseudonym string, columns []string) (map[string]bool, error) {
	if err := checkColumns(columns); err != nil {
		return nil, err
	}

	result := make(map[string]bool, len(columns))
	for _, c := range columns {
		result[c] = false
	}

	id, err := s.participantID(ctx, shortPseudonym)
	if err == ErrUnknownPseudonym {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT column_name FROM participant_columns WHERE participant_id = $1 AND column_name = ANY($2)`,
		id, pq.Array(columns))
	if err != nil {
		return nil, fmt.Errorf("error checking data existence: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("error scanning column name: %w", err)
		}
		result[name] = true
	}
	return result, rows.Err()
}

func (s *PostgresStore) Write(ctx context.Context, shortPseudonym, column string, data []byte, ext string) error {
	id, err := s.participantID(ctx, shortPseudonym)
	if err != nil {
		if err == ErrUnknownPseudonym {
			return fmt.Errorf("%w: %s", ErrUnknownPseudonym, shortPseudonym)
		}
		return err
	}
	return s.upsert(ctx, id, column, data, ext)
}

func (s *PostgresStore) Put(ctx context.Context, participantID, column, value string) error {
	return s.upsert(ctx, participantID, column, []byte(value), "")
}

func (s *PostgresStore) Get(ctx context.Context, participantID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT column_name, value FROM participant_columns WHERE participant_id = $1`, participantID)
	if err != nil {
		return nil, fmt.Errorf("error getting participant: %w", err)
	}
	defer rows.Close()

	var out map[string]string
	for rows.Next() {
		var name string
		var value []byte
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("error scanning participant column: %w", err)
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[name] = string(value)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) participantID(ctx context.Context, shortPseudonym string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT participant_id FROM participant_columns WHERE column_name = ANY($1) AND value = $2`,
		pq.Array(s.pseudonymColumns), []byte(shortPseudonym))
	if err != nil {
		return "", fmt.Errorf("error resolving short pseudonym: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("error scanning participant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(ids) {
	case 0:
		return "", ErrUnknownPseudonym
	case 1:
		return ids[0], nil
	}
	return "", fmt.Errorf("%w: %s", ErrAmbiguousPseudonym, shortPseudonym)
}

func (s *PostgresStore) upsert(ctx context.Context, participantID, column string, data []byte, ext string) error {
	query := `INSERT INTO participant_columns (participant_id, column_name, value, file_extension, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (participant_id, column_name)
		DO UPDATE SET value = EXCLUDED.value, file_extension = EXCLUDED.file_extension, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, query, participantID, column, data, ext); err != nil {
		return fmt.Errorf("error writing column %s: %w", column, err)
	}
	return nil
}
