package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// BEGIN IMMEDIATE makes every transaction take the write lock up front, so
// two pickups can never both read the same unlocked rows.
var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite3",
	dsn: func(c Config) string {
		path := c.Database
		if path == "" {
			path = "outbound.db"
		}
		if dir, ok := c.Options["db_dir"]; ok && dir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if path != ":memory:" {
			if dir := filepath.Dir(path); dir != "." && dir != "/" {
				_ = os.MkdirAll(dir, 0o755)
			}
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + "_txlock=immediate&_busy_timeout=5000"
	},
	configure: func(db *sql.DB) {
		db.SetMaxOpenConns(1) // SQLite supports only one writer at a time
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(30 * time.Minute)
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS sends (
			id TEXT PRIMARY KEY,
			status INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			send_id TEXT NOT NULL,
			mail_from TEXT NULL,
			rcpt_to TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue (
			id TEXT PRIMARY KEY,
			send_id TEXT NOT NULL,
			queued_at INTEGER NOT NULL,
			attempt_send_after INTEGER NOT NULL,
			locked INTEGER NOT NULL DEFAULT 0,
			lock_token TEXT NULL,
			data_path TEXT NOT NULL,
			identity_group_id INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_pickup ON queue (locked, attempt_send_after)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_lock_token ON queue (lock_token)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			send_id TEXT NOT NULL,
			identity TEXT NOT NULL,
			status INTEGER NOT NULL,
			server_hostname TEXT NOT NULL,
			server_response TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_message ON transactions (message_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_send ON transactions (send_id)`,
		`CREATE TABLE IF NOT EXISTS outbound_patterns (
			id INTEGER PRIMARY KEY,
			priority INTEGER NOT NULL,
			name TEXT NOT NULL,
			kind INTEGER NOT NULL,
			pattern_value TEXT NOT NULL,
			identity_id INTEGER NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbound_rules (
			pattern_id INTEGER NOT NULL,
			rule_type INTEGER NOT NULL,
			rule_value TEXT NOT NULL,
			PRIMARY KEY (pattern_id, rule_type)
		)`,
	},
}
