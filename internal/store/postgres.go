package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name:        "postgres",
	driver:      "postgres",
	dollarBinds: true,
	dsn: func(c Config) string {
		port := c.Port
		if port == 0 {
			port = 5432
		}
		sslmode := "disable"
		if v, ok := c.Options["sslmode"]; ok && v != "" {
			sslmode = v
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, port, c.Username, c.Password, c.Database, sslmode)
	},
	configure: func(db *sql.DB) {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sends (
			id VARCHAR(64) PRIMARY KEY,
			status SMALLINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(64) PRIMARY KEY,
			send_id VARCHAR(64) NOT NULL,
			mail_from VARCHAR(320) NULL,
			rcpt_to TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			id VARCHAR(64) PRIMARY KEY,
			send_id VARCHAR(64) NOT NULL,
			queued_at BIGINT NOT NULL,
			attempt_send_after BIGINT NOT NULL,
			locked SMALLINT NOT NULL DEFAULT 0,
			lock_token VARCHAR(64) NULL,
			data_path VARCHAR(1024) NOT NULL,
			identity_group_id INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_pickup ON queue (locked, attempt_send_after)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_lock_token ON queue (lock_token)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			message_id VARCHAR(64) NOT NULL,
			send_id VARCHAR(64) NOT NULL,
			identity VARCHAR(64) NOT NULL,
			status SMALLINT NOT NULL,
			server_hostname VARCHAR(255) NOT NULL,
			server_response TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_message ON transactions (message_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_send ON transactions (send_id)`,
		`CREATE TABLE IF NOT EXISTS outbound_patterns (
			id INTEGER PRIMARY KEY,
			priority INTEGER NOT NULL,
			name VARCHAR(255) NOT NULL,
			kind SMALLINT NOT NULL,
			pattern_value TEXT NOT NULL,
			identity_id INTEGER NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbound_rules (
			pattern_id INTEGER NOT NULL,
			rule_type SMALLINT NOT NULL,
			rule_value VARCHAR(255) NOT NULL,
			PRIMARY KEY (pattern_id, rule_type)
		)`,
	},
}
