package database

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	_ "github.com/jackc/pgx/stdlib"

	"github.com/medsync/medsync-app/conf"
	"github.com/medsync/medsync-app/medsync/utils"
)

// Config carries the connection pool settings read from the environment.
type Config struct {
	DatabaseURL        string
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetimeMin int
	ConnMaxIdleTimeMin int
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:        conf.GetEnv("DATABASE_URL"),
		MaxOpenConns:       utils.GetEnvInt("MEDSYNC_DB_MAX_OPEN_CONNS", 60),
		MaxIdleConns:       utils.GetEnvInt("MEDSYNC_DB_MAX_IDLE_CONNS", 40),
		ConnMaxLifetimeMin: utils.GetEnvInt("MEDSYNC_DB_CONN_MAX_LIFETIME_MIN", 5),
		ConnMaxIdleTimeMin: utils.GetEnvInt("MEDSYNC_DB_CONN_MAX_IDLE_TIME_MIN", 30),
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("invalid config, DatabaseURL must be set")
	}
	return cfg, nil
}

// Connect opens the pgx-backed pool described by cfg and verifies it with a
// ping.
func Connect(cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database connection")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMin) * time.Minute)
	db.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMin) * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}
	return db, nil
}
