package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/agentflow/internal/runtime/jsoncodec"
)

const (
	defaultSchemaName   = "agentflow"
	defaultMaxOpenConns = 10
	defaultMaxIdleConns = 5
)

var schemaNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig configures PostgresStore.
type PostgresConfig struct {
	ConnectionString string
	// SchemaName holds the tables. Defaults to "agentflow".
	SchemaName   string
	MaxOpenConns int
	MaxIdleConns int
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.SchemaName == "" {
		c.SchemaName = defaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}
	return c
}

// PostgresStore persists partials in PostgreSQL so a batch can span worker
// restarts and replicas.
type PostgresStore struct {
	db     *sql.DB
	schema string
}

// NewPostgresStore connects, pings and creates the tables when missing.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("delivery: PostgreSQL connection string is required")
	}
	cfg = cfg.withDefaults()
	if !schemaNamePattern.MatchString(cfg.SchemaName) {
		return nil, fmt.Errorf("delivery: invalid schema name %q", cfg.SchemaName)
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("delivery: open PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("delivery: connect to PostgreSQL: %w", err)
	}

	s := &PostgresStore{db: db, schema: cfg.SchemaName}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("delivery: initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	// #nosec G201 - schema name matches schemaNamePattern
	ddl := fmt.Sprintf(`
	CREATE SCHEMA IF NOT EXISTS %[1]s;

	CREATE TABLE IF NOT EXISTS %[1]s.batch_partials (
		batch_key TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		result JSONB NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		first_recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (batch_key, unit_id)
	);

	CREATE TABLE IF NOT EXISTS %[1]s.batch_synthesis (
		batch_key TEXT PRIMARY KEY,
		synthesized_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`, s.schema)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *PostgresStore) SavePartial(ctx context.Context, p Partial) error {
	result, err := jsoncodec.Marshal(p.Result)
	if err != nil {
		return fmt.Errorf("delivery: encode partial result: %w", err)
	}
	if p.RecordedAt.IsZero() {
		p.RecordedAt = time.Now().UTC()
	}
	// #nosec G201 - schema name matches schemaNamePattern
	query := fmt.Sprintf(`
		INSERT INTO %s.batch_partials (batch_key, unit_id, result, error_message, recorded_at, first_recorded_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (batch_key, unit_id)
		DO UPDATE SET result = EXCLUDED.result, error_message = EXCLUDED.error_message, recorded_at = EXCLUDED.recorded_at
	`, s.schema)
	if _, err := s.db.ExecContext(ctx, query, p.BatchKey, p.UnitID, string(result), p.Error, p.RecordedAt); err != nil {
		return fmt.Errorf("delivery: save partial %s/%s: %w", p.BatchKey, p.UnitID, err)
	}
	return nil
}

func (s *PostgresStore) Partials(ctx context.Context, batchKey string) ([]Partial, error) {
	// #nosec G201 - schema name matches schemaNamePattern
	query := fmt.Sprintf(`
		SELECT unit_id, result, error_message, recorded_at
		FROM %s.batch_partials
		WHERE batch_key = $1
		ORDER BY first_recorded_at, unit_id
	`, s.schema)
	rows, err := s.db.QueryContext(ctx, query, batchKey)
	if err != nil {
		return nil, fmt.Errorf("delivery: load partials for %s: %w", batchKey, err)
	}
	defer rows.Close()

	var out []Partial
	for rows.Next() {
		p := Partial{BatchKey: batchKey}
		var raw []byte
		if err := rows.Scan(&p.UnitID, &raw, &p.Error, &p.RecordedAt); err != nil {
			return nil, fmt.Errorf("delivery: scan partial: %w", err)
		}
		if len(raw) > 0 {
			if err := jsoncodec.Unmarshal(raw, &p.Result); err != nil {
				return nil, fmt.Errorf("delivery: decode partial %s/%s: %w", batchKey, p.UnitID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkSynthesized(ctx context.Context, batchKey string) (bool, error) {
	// #nosec G201 - schema name matches schemaNamePattern
	query := fmt.Sprintf(`
		INSERT INTO %s.batch_synthesis (batch_key) VALUES ($1)
		ON CONFLICT (batch_key) DO NOTHING
	`, s.schema)
	res, err := s.db.ExecContext(ctx, query, batchKey)
	if err != nil {
		return false, fmt.Errorf("delivery: mark %s synthesized: %w", batchKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delivery: mark %s synthesized: %w", batchKey, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
