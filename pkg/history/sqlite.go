package history

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

func sqliteDSN(path string) string {
	return path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}

func NewSQLiteDatabase(dbPath string) (*SQLiteDatabase, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}

	db, err := sql.Open("sqlite3", sqliteDSN(dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return &SQLiteDatabase{
		db:   db,
		path: dbPath,
	}, nil
}

func (s *SQLiteDatabase) Migrate() error {
	// Separate connection so the migrate driver can close it
	migrationDB, err := sql.Open("sqlite3", sqliteDSN(s.path))
	if err != nil {
		return errors.Wrap(err, "failed to open migration database")
	}
	defer migrationDB.Close()

	driver, err := sqlite3.WithInstance(migrationDB, &sqlite3.Config{})
	if err != nil {
		return errors.Wrap(err, "failed to create sqlite3 driver")
	}

	return runMigrations("migrations/sqlite", "sqlite3", driver)
}

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

func (s *SQLiteDatabase) Path() string {
	return s.path
}

func (s *SQLiteDatabase) SaveMessage(record Record) (int64, error) {
	headersJSON, err := marshalHeaders(record.Headers)
	if err != nil {
		return 0, err
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now()
	}

	query := `
		INSERT INTO messages (destination, subscription_id, message_id, headers, body, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query,
		record.Destination,
		record.SubscriptionID,
		record.MessageID,
		headersJSON,
		record.Body,
		record.ReceivedAt.UTC(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert message")
	}

	return result.LastInsertId()
}

func (s *SQLiteDatabase) LoadMessages(destination string, limit int) ([]Record, error) {
	query := `
		SELECT id, destination, subscription_id, message_id, headers, body, received_at
		FROM messages
		WHERE (? = '' OR destination = ?)
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, destination, destination, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query messages")
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (s *SQLiteDatabase) CountMessages(destination string) (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE (? = '' OR destination = ?)`,
		destination, destination).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return count, nil
}

func (s *SQLiteDatabase) DeleteMessages(destination string) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM messages WHERE (? = '' OR destination = ?)`,
		destination, destination)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete messages")
	}
	return result.RowsAffected()
}

func marshalHeaders(headers map[string]string) (sql.NullString, error) {
	if len(headers) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "failed to marshal headers")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		var headersJSON sql.NullString

		err := rows.Scan(&r.ID, &r.Destination, &r.SubscriptionID, &r.MessageID,
			&headersJSON, &r.Body, &r.ReceivedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}

		if headersJSON.Valid && headersJSON.String != "" {
			if err := json.Unmarshal([]byte(headersJSON.String), &r.Headers); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal headers")
			}
		}
		records = append(records, r)
	}

	return records, errors.Wrap(rows.Err(), "failed to read messages")
}
