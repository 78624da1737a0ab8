package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// clientFoundRows makes UPDATE report matched rather than changed rows,
// which upsert relies on.
var mysqlDialect = dialect{
	name:   "mysql",
	driver: "mysql",
	dsn: func(c Config) string {
		port := c.Port
		if port == 0 {
			port = 3306
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?clientFoundRows=true", c.Username, c.Password, c.Host, port, c.Database)
		if params, ok := c.Options["params"]; ok && params != "" {
			dsn += "&" + params
		}
		return dsn
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
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(64) PRIMARY KEY,
			send_id VARCHAR(64) NOT NULL,
			mail_from VARCHAR(320) NULL,
			rcpt_to TEXT NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS queue (
			id VARCHAR(64) PRIMARY KEY,
			send_id VARCHAR(64) NOT NULL,
			queued_at BIGINT NOT NULL,
			attempt_send_after BIGINT NOT NULL,
			locked SMALLINT NOT NULL DEFAULT 0,
			lock_token VARCHAR(64) NULL,
			data_path VARCHAR(1024) NOT NULL,
			identity_group_id INT NOT NULL,
			INDEX idx_queue_pickup (locked, attempt_send_after),
			INDEX idx_queue_lock_token (lock_token)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			message_id VARCHAR(64) NOT NULL,
			send_id VARCHAR(64) NOT NULL,
			identity VARCHAR(64) NOT NULL,
			status SMALLINT NOT NULL,
			server_hostname VARCHAR(255) NOT NULL,
			server_response TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			INDEX idx_transactions_message (message_id, status),
			INDEX idx_transactions_send (send_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS outbound_patterns (
			id INT PRIMARY KEY,
			priority INT NOT NULL,
			name VARCHAR(255) NOT NULL,
			kind SMALLINT NOT NULL,
			pattern_value TEXT NOT NULL,
			identity_id INT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS outbound_rules (
			pattern_id INT NOT NULL,
			rule_type SMALLINT NOT NULL,
			rule_value VARCHAR(255) NOT NULL,
			PRIMARY KEY (pattern_id, rule_type)
		) ENGINE=InnoDB`,
	},
}
