package db

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	types "github.com/yungbote/inferbridge-backend/internal/domain"
	"github.com/yungbote/inferbridge-backend/internal/platform/envutil"
	"github.com/yungbote/inferbridge-backend/internal/platform/logger"
)

type Config struct {
	// Driver is "postgres" (default) or "sqlite".
	Driver string
	// DSN overrides the DSN assembled from the POSTGRES_* variables.
	DSN        string
	SQLitePath string

	MaxOpenConns int
	MaxIdleConns int
}

func ConfigFromEnv(log *logger.Logger) Config {
	cfg := Config{
		Driver:       strings.ToLower(envutil.String("DB_DRIVER", "postgres", log)),
		DSN:          envutil.String("POSTGRES_DSN", "", log),
		SQLitePath:   envutil.String("SQLITE_PATH", "inferbridge.db", log),
		MaxOpenConns: envutil.Int("DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns: envutil.Int("DB_MAX_IDLE_CONNS", 5),
	}
	if cfg.Driver == "postgres" && cfg.DSN == "" {
		cfg.DSN = fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			envutil.String("POSTGRES_USER", "postgres", log),
			envutil.String("POSTGRES_PASSWORD", "", log),
			envutil.String("POSTGRES_HOST", "localhost", log),
			envutil.String("POSTGRES_PORT", "5432", log),
			envutil.String("POSTGRES_NAME", "inferbridge", log),
		)
	}
	return cfg
}

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects with the configured driver. TranslateError is enabled so unique
// violations surface as gorm.ErrDuplicatedKey on every driver.
func Open(cfg Config, logg *logger.Logger) (*Service, error) {
	serviceLog := logg.With("service", "DatabaseService", "driver", cfg.Driver)

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	gcfg := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
		Logger:                                   gormLog,
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath + "?_busy_timeout=5000&_journal_mode=WAL")
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "sqlite" {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY under the worker pool.
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	serviceLog.Info("Database connected")
	return &Service{db: db, log: serviceLog}, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

// AutoMigrateAll creates or updates every table the service owns, plus any
// extra models (e.g. the Postgres queue table).
func (s *Service) AutoMigrateAll(extra ...interface{}) error {
	return AutoMigrate(s.db, extra...)
}

func AutoMigrate(db *gorm.DB, extra ...interface{}) error {
	models := append(types.Models(), extra...)
	return db.AutoMigrate(models...)
}

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
