// Package database owns the PostgreSQL connection used by the job and
// content-record stores, including schema migrations which are embedded
// in the binary and applied on connect.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"

	"github.com/scrubmedia/scrub/pkg/logger"
)

const (
	sqlDialect          = "postgres"
	sqlConnectionString = "host=%s user=%s password=%s dbname=%s port=%s sslmode=disable"

	connectAttempts     = 5
	connectRetryBackoff = time.Second * 3
)

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	dbLogger = logger.Get("DB")
)

type DatabaseConfig struct {
	User     string `yaml:"user" env:"DB_USER" env-required:"true"`
	Password string `yaml:"password" env:"DB_PASSWORD" env-required:"true"`
	Name     string `yaml:"name" env:"DB_NAME" env-default:"scrub"`
	Host     string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
	Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
}

type (
	Manager interface {
		Connect(DatabaseConfig) error
		GetSqlxDB() *sqlx.DB
	}

	manager struct {
		rawDB *sql.DB
		db    *sqlx.DB
	}

	sqlLogger struct {
		logger logger.Logger
	}
)

func New() Manager {
	return &manager{}
}

func (db *manager) Connect(config DatabaseConfig) error {
	dsn := fmt.Sprintf(sqlConnectionString, config.Host, config.User, config.Password, config.Name, config.Port)
	raw, err := sql.Open(sqlDialect, dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}

	raw = sqldblogger.OpenDriver(dsn, raw.Driver(), &sqlLogger{dbLogger})

	for attempt := 1; ; attempt++ {
		if err := raw.Ping(); err != nil {
			if attempt >= connectAttempts {
				dbLogger.Errorf("All %d connection attempts failed\n", connectAttempts)
				return err
			}

			dbLogger.Warnf("Connection attempt (%d/%d) failed... retrying in %s\n", attempt, connectAttempts, connectRetryBackoff)
			time.Sleep(connectRetryBackoff)
			continue
		}

		break
	}

	db.rawDB = raw
	db.db = sqlx.NewDb(raw, sqlDialect)

	if err := db.executeMigrations(); err != nil {
		return err
	}

	dbLogger.Emit(logger.SUCCESS, "Database connection complete\n")
	return nil
}

// executeMigrations runs the embedded goose migrations against the
// connected database. Must only be called after a successful connect.
func (db *manager) executeMigrations() error {
	if db.rawDB == nil {
		return errors.New("cannot execute migrations before the DB manager has connected")
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(sqlDialect); err != nil {
		return fmt.Errorf("failed to set dialect for DB migration: %w", err)
	}

	dbLogger.Infof("Checking for pending DB migrations...\n")
	if err := goose.Up(db.rawDB, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}

	return nil
}

func (db *manager) GetSqlxDB() *sqlx.DB {
	return db.db
}

func (l *sqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	switch level {
	case sqldblogger.LevelTrace, sqldblogger.LevelDebug:
		l.logger.Verbosef("%s - %v\n", msg, data)
	case sqldblogger.LevelInfo:
		if query, ok := data["query"]; ok {
			l.logger.Debugf("%s -- %s\n", msg, query)
		} else {
			l.logger.Debugf("%s\n", msg)
		}
	case sqldblogger.LevelError:
		l.logger.Errorf("%s - %v\n", msg, data)
	}
}
