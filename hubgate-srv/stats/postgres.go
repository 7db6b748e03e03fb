package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/hubgate/hubgate-srv/logger"
	_ "github.com/lib/pq"
)

// PostgreSQLCollector implements Collector using PostgreSQL
type PostgreSQLCollector struct {
	sqlStore
}

// NewPostgreSQLCollector creates a new PostgreSQL-based audit collector
func NewPostgreSQLCollector(connectionString string) (*PostgreSQLCollector, error) {
	db, err := sql.Open(dialectPostgres, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := initSchema(context.Background(), db, dialectPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized audit collector postgresql")
	return &PostgreSQLCollector{sqlStore{db: db, dialect: dialectPostgres}}, nil
}
