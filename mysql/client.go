package mysql

import (
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// NewClient parses dsn and opens a pooled sqlx handle. The DSN is
// round-tripped through the driver's config so a malformed one fails at
// startup; connectivity itself is not verified here, because the audit
// sink is best-effort and must not gate process start on a slow database.
func NewClient(dsn string) (*sqlx.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ParseTime = true

	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, nil
}
