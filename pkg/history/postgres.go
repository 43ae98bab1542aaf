package history

import (
	"database/sql"
	"time"

	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

type PostgreSQLDatabase struct {
	db  *sql.DB
	dsn string
}

func NewPostgreSQLDatabase(dsn string) (*PostgreSQLDatabase, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	// Set reasonable connection limits
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgreSQLDatabase{
		db:  db,
		dsn: dsn,
	}, nil
}

func (p *PostgreSQLDatabase) Migrate() error {
	migrationDB, err := sql.Open("postgres", p.dsn)
	if err != nil {
		return errors.Wrap(err, "failed to open migration database")
	}
	defer migrationDB.Close()

	driver, err := postgres.WithInstance(migrationDB, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "failed to create postgres driver")
	}

	return runMigrations("migrations/postgres", "postgres", driver)
}

func (p *PostgreSQLDatabase) Close() error {
	return p.db.Close()
}

func (p *PostgreSQLDatabase) SaveMessage(record Record) (int64, error) {
	headersJSON, err := marshalHeaders(record.Headers)
	if err != nil {
		return 0, err
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = time.Now()
	}

	query := `
		INSERT INTO messages (destination, subscription_id, message_id, headers, body, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	var id int64
	err = p.db.QueryRow(query,
		record.Destination,
		record.SubscriptionID,
		record.MessageID,
		headersJSON,
		record.Body,
		record.ReceivedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert message")
	}
	return id, nil
}

func (p *PostgreSQLDatabase) LoadMessages(destination string, limit int) ([]Record, error) {
	query := `
		SELECT id, destination, subscription_id, message_id, headers, body, received_at
		FROM messages
		WHERE ($1::text = '' OR destination = $1)
		ORDER BY id DESC
		LIMIT $2
	`

	rows, err := p.db.Query(query, destination, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query messages")
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (p *PostgreSQLDatabase) CountMessages(destination string) (int64, error) {
	var count int64
	err := p.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE ($1::text = '' OR destination = $1)`,
		destination).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return count, nil
}

func (p *PostgreSQLDatabase) DeleteMessages(destination string) (int64, error) {
	result, err := p.db.Exec(`DELETE FROM messages WHERE ($1::text = '' OR destination = $1)`, destination)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete messages")
	}
	return result.RowsAffected()
}
