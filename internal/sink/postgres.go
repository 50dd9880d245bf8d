package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Timeout  time.Duration
}

// ConnString renders the config as a lib/pq keyword/value connection string.
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// Postgres stores every scalar as a row tagged with the run id.
type Postgres struct {
	db      *sql.DB
	logger  zerolog.Logger
	runID   string
	timeout time.Duration
	insert  *sql.Stmt
}

// NewPostgres connects, creates the scalars table if needed and prepares the insert.
func NewPostgres(logger zerolog.Logger, cfg PostgresConfig, runID string) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	// A single writer never needs more than a couple of connections
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := createTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	insert, err := db.PrepareContext(ctx, `
		INSERT INTO gpu_scalars (run_id, tag, step, value, wall_time)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare scalar statement: %w", err)
	}

	return &Postgres{
		db:      db,
		logger:  logger.With().Str("component", "postgres_sink").Str("run_id", runID).Logger(),
		runID:   runID,
		timeout: timeout,
		insert:  insert,
	}, nil
}

// createTables creates the necessary tables if they don't exist
func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS gpu_scalars (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			tag TEXT NOT NULL,
			step BIGINT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			wall_time TIMESTAMP WITH TIME ZONE NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_scalars_run_tag_step ON gpu_scalars (run_id, tag, step);
	`)
	if err != nil {
		return fmt.Errorf("failed to create gpu_scalars table: %w", err)
	}
	return nil
}

// AddScalar implements Sink.AddScalar
func (p *Postgres) AddScalar(tag string, value float64, step int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if _, err := p.insert.ExecContext(ctx, p.runID, tag, step, value, time.Now()); err != nil {
		p.logger.Error().Err(err).
			Str("tag", tag).
			Int64("step", step).
			Msg("failed to insert scalar")
		return fmt.Errorf("failed to insert scalar: %w", err)
	}
	return nil
}

// Steps returns the stored steps of tag for this run, ascending.
func (p *Postgres) Steps(ctx context.Context, tag string) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT step FROM gpu_scalars
		WHERE run_id = $1 AND tag = $2
		ORDER BY step ASC
	`, p.runID, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to query scalars: %w", err)
	}
	defer rows.Close()

	var steps []int64
	for rows.Next() {
		var step int64
		if err := rows.Scan(&step); err != nil {
			return nil, fmt.Errorf("failed to scan scalar row: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scalar rows: %w", err)
	}
	return steps, nil
}

// Close implements Sink.Close
func (p *Postgres) Close() error {
	if err := p.insert.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("failed to close scalar statement")
	}
	return p.db.Close()
}
