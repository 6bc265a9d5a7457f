package history

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

func TestPostgresSink_Write(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	data := models.WeatherData{
		Coordinate: models.Coordinate{Latitude: 52.52, Longitude: 13.41},
		Data: []models.DataPoint{
			{Timestamp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), Temperature: 1.5},
			{Timestamp: time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC), Temperature: 1.0},
		},
	}

	t.Run("success - copies every point", func(t *testing.T) {
		t.Parallel()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectCopyFrom(pgx.Identifier{"weather_data"}, weatherDataColumns).WillReturnResult(2)

		require.NoError(t, NewPostgresSink(mock).Write(ctx, data))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("error - copy fails", func(t *testing.T) {
		t.Parallel()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectCopyFrom(pgx.Identifier{"weather_data"}, weatherDataColumns).WillReturnError(assert.AnError)

		err = NewPostgresSink(mock).Write(ctx, data)
		require.Error(t, err)
		require.ErrorIs(t, err, assert.AnError)
		require.ErrorContains(t, err, "failed to copy weather data")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("error - short write", func(t *testing.T) {
		t.Parallel()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectCopyFrom(pgx.Identifier{"weather_data"}, weatherDataColumns).WillReturnResult(1)

		err = NewPostgresSink(mock).Write(ctx, data)
		require.ErrorContains(t, err, "wrote 1 of 2 rows")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("success - empty data skips database", func(t *testing.T) {
		t.Parallel()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		require.NoError(t, NewPostgresSink(mock).Write(ctx, models.WeatherData{}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresSink_Migrate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS weather_data").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
		mock.ExpectExec("ALTER TABLE weather_data ADD COLUMN IF NOT EXISTS ref_id UUID").WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))
		mock.ExpectExec("ALTER TABLE weather_data ADD COLUMN IF NOT EXISTS updated_at").WillReturnResult(pgxmock.NewResult("ALTER TABLE", 0))
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS ix_weather_data_coordinate").WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS ix_weather_data_timestamp").WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))

		require.NoError(t, NewPostgresSink(mock).Migrate(ctx))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("error - create table", func(t *testing.T) {
		t.Parallel()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS weather_data").WillReturnError(assert.AnError)

		err = NewPostgresSink(mock).Migrate(ctx)
		require.ErrorIs(t, err, assert.AnError)
		require.ErrorContains(t, err, "failed to apply migration")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresSink_Ping(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectPing().WillReturnError(assert.AnError)

	require.ErrorIs(t, NewPostgresSink(mock).Ping(context.Background()), assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
