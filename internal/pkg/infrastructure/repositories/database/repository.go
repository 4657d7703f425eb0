package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/diwise/camera-threat-monitor/internal/pkg/infrastructure/logging"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type ConnectorConfig struct {
	Host     string
	Username string
	DbName   string
	Password string
	SslMode  string
}

func LoadConfigFromEnv(ctx context.Context) ConnectorConfig {
	sslMode := os.Getenv("POSTGRES_SSLMODE")
	if sslMode == "" {
		sslMode = "disable"
	}

	return ConnectorConfig{
		Host:     os.Getenv("POSTGRES_HOST"),
		Username: os.Getenv("POSTGRES_USER"),
		DbName:   os.Getenv("POSTGRES_DBNAME"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		SslMode:  sslMode,
	}
}

type ConnectorFunc func() (*gorm.DB, error)

// NewSQLiteConnector opens an in-memory database, used for tests and when
// no path is configured.
func NewSQLiteConnector(ctx context.Context) ConnectorFunc {
	return NewSQLiteFileConnector(ctx, "file::memory:")
}

func NewSQLiteFileConnector(ctx context.Context, dsn string) ConnectorFunc {
	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})

		if err == nil {
			sqldb, _ := db.DB()
			sqldb.SetMaxOpenConns(1)
		}

		return db, err
	}
}

func NewPostgreSQLConnector(ctx context.Context, cfg ConnectorConfig) ConnectorFunc {
	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", cfg.Host, cfg.Username, cfg.DbName, cfg.SslMode, cfg.Password)

	log := logging.GetLoggerFromContext(ctx)

	return func() (*gorm.DB, error) {
		sublogger := log.With().Str("host", cfg.Host).Str("database", cfg.DbName).Logger()

		var err error
		for attempt := 1; attempt <= 5; attempt++ {
			sublogger.Info().Msg("connecting to database host")

			var db *gorm.DB
			db, err = gorm.Open(postgres.Open(dbURI), &gorm.Config{
				Logger: logger.New(
					logging.PrintfAdapter{Logger: sublogger},
					logger.Config{
						SlowThreshold:             time.Second,
						LogLevel:                  logger.Warn,
						IgnoreRecordNotFoundError: true,
						Colorful:                  false,
					},
				),
			})
			if err == nil {
				return db, nil
			}

			sublogger.Error().Err(err).Int("attempt", attempt).Msg("failed to connect to database")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}

		return nil, fmt.Errorf("giving up connecting to %s: %w", cfg.Host, err)
	}
}
