package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

// Database is the subset of *pgxpool.Pool used by PostgresSink.
type Database interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

var weatherDataColumns = []string{"latitude", "longitude", "temperature", "timestamp"}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS weather_data (
		id BIGSERIAL PRIMARY KEY,
		ref_id UUID NOT NULL DEFAULT gen_random_uuid() UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		temperature DOUBLE PRECISION NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);`,
	// Tables created before ref_id and updated_at existed.
	`ALTER TABLE weather_data ADD COLUMN IF NOT EXISTS ref_id UUID NOT NULL DEFAULT gen_random_uuid() UNIQUE;`,
	`ALTER TABLE weather_data ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ;`,
	`CREATE INDEX IF NOT EXISTS ix_weather_data_coordinate ON weather_data (latitude, longitude);`,
	`CREATE INDEX IF NOT EXISTS ix_weather_data_timestamp ON weather_data (timestamp);`,
}

// PostgresSink appends observations to the weather_data table.
type PostgresSink struct {
	db Database
}

// NewPostgresSink wraps db.
func NewPostgresSink(db Database) *PostgresSink {
	return &PostgresSink{db: db}
}

// ConnectPostgres opens a pool for databaseURL and verifies it with a ping.
func ConnectPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// Name implements Sink.
func (s *PostgresSink) Name() string { return "postgres" }

// Migrate creates the weather_data table and its indexes when missing.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}

// Write copies every data point of data into weather_data.
func (s *PostgresSink) Write(ctx context.Context, data models.WeatherData) error {
	if len(data.Data) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(data.Data))
	for _, p := range data.Data {
		rows = append(rows, []any{data.Coordinate.Latitude, data.Coordinate.Longitude, p.Temperature, p.Timestamp.UTC()})
	}
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{"weather_data"}, weatherDataColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy weather data: %w", err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("failed to copy weather data: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

// Ping checks the database connection. Used for health checks.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close implements Sink.
func (s *PostgresSink) Close() error {
	s.db.Close()
	return nil
}
