package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/openmapper/dashcam/internal/model"
)

// Manager owns the device-local SQLite database: sensor tables, the frame
// queue and the config store all live in one file.
type Manager struct {
	DB             *gorm.DB
	SqlDB          *sql.DB
	IsValid        bool
	SqliteFilePath string
	Logger         zerolog.Logger

	integrityDone bool
}

// NewManager creates a new database manager.
func NewManager(path string, log zerolog.Logger) *Manager {
	return &Manager{
		SqliteFilePath: path,
		IsValid:        false,
		Logger:         log,
	}
}

// Connect opens the database and validates the connection. An empty path
// opens a shared in-memory database, used by tests.
func (m *Manager) Connect() error {
	var err error

	m.DB, err = GetSqliteDB(m.SqliteFilePath)
	if err != nil || m.DB == nil {
		m.IsValid = false
		return fmt.Errorf("failed to open SQLite DB: %s", err)
	}

	m.SqlDB, err = m.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %s", err)
	}

	if err = m.SqlDB.Ping(); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to validate connection: %s", err)
	}

	m.Logger.Info().Msg("Connected to database")
	m.IsValid = true
	return nil
}

// GetSqliteDB returns a connection to a SQLite database.
// If path is empty, uses an in-memory database.
func GetSqliteDB(path string) (*gorm.DB, error) {
	dsn := "file::memory:?cache=shared"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("error creating DB dir: %s", err)
		}
		dsn = path
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		CreateBatchSize:        2000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// set PRAGMAS
	// journal_mode WAL keeps readers unblocked during the controller's
	// bursty writes; synchronous NORMAL is enough on battery-backed flash
	pragmas := []string{
		"PRAGMA user_version = 1;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA cache_size = -32000;",
		"PRAGMA temp_store = MEMORY;",
		"PRAGMA busy_timeout = 5000;",
	}

	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %s", err)
		}
	}

	return db, nil
}

// Setup migrates the schema.
func (m *Manager) Setup() error {
	m.Logger.Info().Msg("Migrating schema")
	if err := m.DB.AutoMigrate(model.DatabaseModels...); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to migrate schema: %s", err)
	}

	m.Logger.Info().Msg("Database setup complete")
	return nil
}

// IntegrityCheck runs SQLite's quick check. A corrupted database is moved
// aside and recreated empty rather than left to poison every write; losing
// queued frames beats losing the device.
func (m *Manager) IntegrityCheck() error {
	defer func() { m.integrityDone = true }()

	start := time.Now()
	var result string
	if err := m.DB.Raw("PRAGMA quick_check;").Scan(&result).Error; err != nil {
		return fmt.Errorf("error running integrity check: %s", err)
	}
	if result == "ok" {
		m.Logger.Debug().Dur("duration", time.Since(start)).Msg("Integrity check passed")
		return nil
	}

	m.Logger.Error().Str("result", result).Msg("Integrity check failed, recreating database")
	if m.SqliteFilePath == "" {
		return fmt.Errorf("integrity check failed on in-memory DB: %s", result)
	}

	m.SqlDB.Close()
	if err := os.Rename(m.SqliteFilePath, m.SqliteFilePath+".corrupted"); err != nil {
		return fmt.Errorf("error moving corrupted DB aside: %s", err)
	}
	if err := m.Connect(); err != nil {
		return err
	}
	return m.Setup()
}

// IntegrityDone reports whether the startup integrity check has run.
func (m *Manager) IntegrityDone() bool {
	return m.integrityDone
}

// Vacuum compacts the database file. Called occasionally after the queue
// deletes packaged bundles.
func (m *Manager) Vacuum() error {
	start := time.Now()
	if err := m.DB.Exec("VACUUM;").Error; err != nil {
		return fmt.Errorf("error vacuuming DB: %s", err)
	}
	m.Logger.Debug().Dur("duration", time.Since(start)).Msg("Vacuumed database")
	return nil
}
