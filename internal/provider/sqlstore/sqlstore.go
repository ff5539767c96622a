// Package sqlstore implements the Provider interface on a relational database
// through GORM. SQLite and MySQL are supported.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/dwsmith1983/auditlane/internal/provider"
)

// Compile-time interface satisfaction check.
var _ provider.Provider = (*SQLProvider)(nil)

// SQLProvider implements the Provider interface backed by GORM.
type SQLProvider struct {
	db          *gorm.DB
	driver      string
	autoMigrate bool
	logger      *slog.Logger
}

// New opens the configured database.
func New(cfg *Config) (*SQLProvider, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite, "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlstore: mysql requires a dsn")
		}
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}

	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying database: %w", err)
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	if driver == DriverSQLite {
		// A single connection keeps :memory: databases shared and serializes writers.
		sqlDB.SetMaxOpenConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen / 2)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return &SQLProvider{
		db:          db,
		driver:      driver,
		autoMigrate: cfg.AutoMigrate,
		logger:      slog.Default(),
	}, nil
}

// SetLogger overrides the provider logger.
func (p *SQLProvider) SetLogger(l *slog.Logger) {
	p.logger = l
}

// Start pings the database and migrates the schema when configured to.
func (p *SQLProvider) Start(ctx context.Context) error {
	if p.autoMigrate {
		if err := p.Migrate(ctx); err != nil {
			return err
		}
	}
	return p.Ping(ctx)
}

// Stop closes the connection pool.
func (p *SQLProvider) Stop(_ context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (p *SQLProvider) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("sql ping failed: %w", err)
	}
	return nil
}

// Migrate creates or updates every table and index.
func (p *SQLProvider) Migrate(ctx context.Context) error {
	err := p.db.WithContext(ctx).AutoMigrate(
		&projectRow{},
		&blobRow{},
		&revisionRow{},
		&revisionFileRow{},
		&workingCopyRow{},
		&workingCopyFileRow{},
		&auditRunRow{},
		&verificationStepRow{},
		&findingRow{},
		&findingInstanceRow{},
		&findingTransitionRow{},
		&pdfExportRow{},
		&jobEventRow{},
	)
	if err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// forUpdate adds a row lock on drivers that support one. SQLite serializes
// writers on its own.
func (p *SQLProvider) forUpdate(tx *gorm.DB) *gorm.DB {
	if p.driver == DriverMySQL {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// casUpdate writes row over the record identified by id when its version
// still equals expectedVersion.
func casUpdate(tx *gorm.DB, model interface{}, id string, expectedVersion int, row interface{}) (bool, error) {
	res := tx.Model(model).
		Where("id = ? AND version = ?", id, expectedVersion).
		Select("*").Omit("id", "created_at").
		Updates(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, provider.ErrNotFound)...)
	}
	return err
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
