// Package history persists received messages to SQLite or Postgres.
package history

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/denwilliams/go-stomp-console/pkg/config"
	"github.com/denwilliams/go-stomp-console/pkg/metrics"
)

const DefaultLoadLimit = 100

type Manager struct {
	db     Database
	dbType string
	logger *logrus.Entry
}

// NewManager opens the configured database and runs its migrations. It
// returns nil, nil when history is disabled.
func NewManager(cfg config.DatabaseConfig, logger *logrus.Entry) (*Manager, error) {
	if logger == nil {
		logger = logrus.WithField("pkg", "history")
	}

	var db Database
	var err error

	switch cfg.Type {
	case "none":
		logger.Info("Message history disabled")
		return nil, nil
	case "sqlite":
		db, err = NewSQLiteDatabase(cfg.Connection)
	case "postgres", "postgresql":
		db, err = NewPostgreSQLDatabase(cfg.Connection)
	default:
		err = errors.Errorf("unsupported database type: %s", cfg.Type)
	}

	if err != nil {
		return nil, errors.Wrap(err, "failed to create database")
	}

	// Run migrations
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run database migrations")
	}

	logger.Infof("Message history initialized with %s database", cfg.Type)
	return NewManagerWithDatabase(db, cfg.Type, logger), nil
}

// NewManagerWithDatabase wraps an already migrated database.
func NewManagerWithDatabase(db Database, dbType string, logger *logrus.Entry) *Manager {
	if logger == nil {
		logger = logrus.WithField("pkg", "history")
	}
	return &Manager{
		db:     db,
		dbType: dbType,
		logger: logger,
	}
}

func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) SaveMessage(record Record) (int64, error) {
	startTime := time.Now()

	id, err := m.db.SaveMessage(record)
	if err != nil {
		metrics.RecordDatabaseError("save_message")
		m.logger.WithError(err).Warnf("Failed to save message for %s", record.Destination)
		return 0, err
	}

	metrics.RecordDatabaseQuery("save_message", "write", time.Since(startTime).Seconds())
	return id, nil
}

func (m *Manager) LoadMessages(destination string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLoadLimit
	}
	startTime := time.Now()

	records, err := m.db.LoadMessages(destination, limit)
	if err != nil {
		metrics.RecordDatabaseError("load_messages")
		return nil, err
	}

	metrics.RecordDatabaseQuery("load_messages", "read", time.Since(startTime).Seconds())
	return records, nil
}

func (m *Manager) CountMessages(destination string) (int64, error) {
	startTime := time.Now()

	count, err := m.db.CountMessages(destination)
	if err != nil {
		metrics.RecordDatabaseError("count_messages")
		return 0, err
	}

	metrics.RecordDatabaseQuery("count_messages", "read", time.Since(startTime).Seconds())
	return count, nil
}

func (m *Manager) DeleteMessages(destination string) (int64, error) {
	deleted, err := m.db.DeleteMessages(destination)
	if err != nil {
		metrics.RecordDatabaseError("delete_messages")
		m.logger.WithError(err).Warnf("Failed to delete messages for %q", destination)
		return 0, err
	}

	m.logger.Infof("Deleted %d messages for %q", deleted, destination)
	return deleted, nil
}

func (m *Manager) GetDatabaseStats() map[string]interface{} {
	stats := map[string]interface{}{
		"type": m.dbType,
	}
	if sqlite, ok := m.db.(*SQLiteDatabase); ok {
		stats["path"] = sqlite.Path()
	}
	if count, err := m.db.CountMessages(""); err == nil {
		stats["messages"] = count
	}
	return stats
}
