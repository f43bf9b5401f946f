package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mikeyg42/seedo/internal/seedo"
)

// PostgresConfig contains PostgreSQL connection settings
type PostgresConfig struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore keeps one row per rule in the seedos table.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS seedos (
	name                       TEXT PRIMARY KEY,
	type                       TEXT NOT NULL,
	interval_sec               DOUBLE PRECISION NOT NULL,
	min_retrigger_interval_sec DOUBLE PRECISION NOT NULL,
	enabled                    BOOLEAN NOT NULL DEFAULT TRUE,
	config                     JSONB NOT NULL,
	action                     JSONB NOT NULL,
	created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const upsertRule = `
INSERT INTO seedos (name, type, interval_sec, min_retrigger_interval_sec, enabled, config, action)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (name) DO UPDATE SET
	type = EXCLUDED.type,
	interval_sec = EXCLUDED.interval_sec,
	min_retrigger_interval_sec = EXCLUDED.min_retrigger_interval_sec,
	enabled = EXCLUDED.enabled,
	config = EXCLUDED.config,
	action = EXCLUDED.action,
	updated_at = NOW()`

const selectRules = `
SELECT name, type, interval_sec, min_retrigger_interval_sec, enabled, config, action
FROM seedos ORDER BY created_at, name`

// NewPostgresStore connects, configures the pool and ensures the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 5
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewPostgresStoreFromDB(db, logger)
	if err := s.initSchema(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an open handle without touching the schema.
func NewPostgresStoreFromDB(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.L().Named("postgres-store")
	}
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

type ruleRow struct {
	Name            string  `db:"name"`
	Type            string  `db:"type"`
	IntervalSec     float64 `db:"interval_sec"`
	MinRetriggerSec float64 `db:"min_retrigger_interval_sec"`
	Enabled         bool    `db:"enabled"`
	Config          []byte  `db:"config"`
	Action          []byte  `db:"action"`
}

// LoadAll returns every valid rule; rows that fail to build are skipped.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]*seedo.Rule, error) {
	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, selectRules); err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}

	rules := make([]*seedo.Rule, 0, len(rows))
	for _, row := range rows {
		enabled := row.Enabled
		rec := Record{
			Type:            row.Type,
			Name:            row.Name,
			IntervalSec:     row.IntervalSec,
			MinRetriggerSec: row.MinRetriggerSec,
			Enabled:         &enabled,
			Config:          row.Config,
		}
		if err := json.Unmarshal(row.Action, &rec.Action); err != nil {
			s.logger.Warn("Skipping rule with bad action", zap.String("rule", row.Name), zap.Error(err))
			continue
		}
		rule, err := rec.ToRule()
		if err != nil {
			s.logger.Warn("Skipping invalid rule", zap.String("rule", row.Name), zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s *PostgresStore) Save(ctx context.Context, rule *seedo.Rule) error {
	rec, err := FromRule(rule)
	if err != nil {
		return err
	}
	action, err := json.Marshal(rec.Action)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertRule,
		rec.Name, rec.Type, rec.IntervalSec, rec.MinRetriggerSec, *rec.Enabled,
		[]byte(rec.Config), action)
	if err != nil {
		return fmt.Errorf("failed to save rule: %w", err)
	}
	s.logger.Info("Rule saved", zap.String("rule", rule.Name), zap.Bool("enabled", *rec.Enabled))
	return nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
