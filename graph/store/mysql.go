package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store[S].
//
// Designed for deployments where several processes share threads. The DSN
// must enable parseTime so created_at scans into time.Time:
//
//	user:password@tcp(127.0.0.1:3306)/essays?parseTime=true
//
// Never hardcode credentials; the CLI reads the DSN from configuration or
// the ESSAYGRAPH_STORE_DSN environment variable.
type MySQLStore[S any] struct {
	sqlDB[S]
}

// NewMySQLStore connects to dsn and creates the checkpoints table if it
// doesn't exist. A nil codec selects JSONCodec.
func NewMySQLStore[S any](dsn string, codec Codec) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			thread_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			checkpoint_id VARCHAR(64) NOT NULL,
			last_node VARCHAR(255) NOT NULL,
			next_node VARCHAR(255) NOT NULL,
			completed BOOLEAN NOT NULL,
			state LONGBLOB NOT NULL,
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY idx_thread_step (thread_id, step)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create checkpoints table: %w", err)
	}

	if codec == nil {
		codec = JSONCodec{}
	}
	return &MySQLStore[S]{
		sqlDB: sqlDB[S]{db: db, codec: codec, isDuplicate: isMySQLDuplicate},
	}, nil
}

// isMySQLDuplicate reports ER_DUP_ENTRY.
func isMySQLDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
