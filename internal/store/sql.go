package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/outbound/internal/rules"
)

// dialect captures what differs between the supported SQL databases.
type dialect struct {
	name        string
	driver      string
	dsn         func(Config) string
	schema      []string
	dollarBinds bool
	configure   func(*sql.DB)
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
	now     func() time.Time
}

// OpenSQL opens a database with the given dialect and creates the schema.
func OpenSQL(ctx context.Context, d dialect, config Config) (*SQLStore, error) {
	db, err := sql.Open(d.driver, d.dsn(config))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.name, err)
	}
	if d.configure != nil {
		d.configure(db)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", d.name, err)
	}

	s := &SQLStore{
		db:      db,
		dialect: d,
		logger:  slog.Default().With("component", d.name+"-store"),
		now:     time.Now,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Type returns the database dialect name.
func (s *SQLStore) Type() string {
	return s.dialect.name
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders for databases that use numbered parameters.
func (s *SQLStore) q(query string) string {
	if !s.dialect.dollarBinds {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SaveMessage inserts or updates the envelope of a message.
func (s *SQLStore) SaveMessage(ctx context.Context, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	rcpt := strings.Join(msg.RcptTo, ",")
	return s.upsert(ctx,
		"UPDATE messages SET send_id = ?, mail_from = ?, rcpt_to = ? WHERE id = ?",
		[]any{msg.SendID, nullString(msg.MailFrom), rcpt, msg.ID},
		"INSERT INTO messages (id, send_id, mail_from, rcpt_to) VALUES (?, ?, ?, ?)",
		[]any{msg.ID, msg.SendID, nullString(msg.MailFrom), rcpt},
	)
}

// SaveQueuedMessage inserts or updates a queue entry. Saving an unlocked
// entry clears any pickup lock token.
func (s *SQLStore) SaveQueuedMessage(ctx context.Context, qm QueuedMessage) error {
	if err := validateQueued(qm); err != nil {
		return err
	}
	if qm.QueuedAt.IsZero() {
		qm.QueuedAt = s.now()
	}
	return s.upsert(ctx,
		`UPDATE queue SET send_id = ?, queued_at = ?, attempt_send_after = ?, locked = ?,
			lock_token = CASE WHEN ? = 1 THEN lock_token ELSE NULL END,
			data_path = ?, identity_group_id = ? WHERE id = ?`,
		[]any{qm.SendID, qm.QueuedAt.UnixNano(), qm.AttemptSendAfter.UnixNano(), boolInt(qm.Locked),
			boolInt(qm.Locked), qm.DataPath, qm.IdentityGroupID, qm.ID},
		`INSERT INTO queue (id, send_id, queued_at, attempt_send_after, locked, data_path, identity_group_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		[]any{qm.ID, qm.SendID, qm.QueuedAt.UnixNano(), qm.AttemptSendAfter.UnixNano(), boolInt(qm.Locked),
			qm.DataPath, qm.IdentityGroupID},
	)
}

// upsert runs update and falls back to insert when no row was affected.
func (s *SQLStore) upsert(ctx context.Context, update string, updateArgs []any, insert string, insertArgs []any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(update), updateArgs...)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		if _, err := tx.ExecContext(ctx, s.q(insert), insertArgs...); err != nil {
			return fmt.Errorf("insert failed: %w", err)
		}
	}
	return tx.Commit()
}

const pickupSendingQuery = `
SELECT id FROM (
	SELECT q.id, q.attempt_send_after,
		ROW_NUMBER() OVER (PARTITION BY q.send_id ORDER BY q.attempt_send_after DESC) AS rn
	FROM queue q
	JOIN sends s ON s.id = q.send_id
	WHERE q.locked = 0 AND q.attempt_send_after <= ? AND s.status = ?
) ranked
ORDER BY rn, attempt_send_after, id
LIMIT ?`

const pickupDiscardingQuery = `
SELECT q.id
FROM queue q
JOIN sends s ON s.id = q.send_id
WHERE q.locked = 0 AND s.status = ?
ORDER BY q.attempt_send_after, q.id
LIMIT ?`

const queuedColumns = `q.id, q.send_id, q.queued_at, q.attempt_send_after, q.locked, q.data_path,
	q.identity_group_id, m.mail_from, m.rcpt_to,
	(SELECT COUNT(*) FROM transactions t WHERE t.message_id = q.id AND t.status = ?) AS deferred_count`

// PickupForSending locks and returns up to maxMessages due entries of active
// sends. Entries are taken round-robin across sends: every send contributes
// its most recently eligible entry before any send contributes a second.
func (s *SQLStore) PickupForSending(ctx context.Context, maxMessages int) ([]QueuedMessage, error) {
	if maxMessages <= 0 {
		return nil, nil
	}
	return s.pickup(ctx, pickupSendingQuery, s.now().UnixNano(), int(SendActive), maxMessages)
}

// PickupForDiscarding locks and returns up to maxMessages entries of sends
// being discarded, oldest retry time first.
func (s *SQLStore) PickupForDiscarding(ctx context.Context, maxMessages int) ([]QueuedMessage, error) {
	if maxMessages <= 0 {
		return nil, nil
	}
	return s.pickup(ctx, pickupDiscardingQuery, int(SendDiscard), maxMessages)
}

// pickup selects candidate ids, locks those still unlocked under a fresh
// token and reads back the rows holding that token, all in one transaction.
func (s *SQLStore) pickup(ctx context.Context, selectQuery string, args ...any) ([]QueuedMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin pickup transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.q(selectQuery), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select pickup candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	token := uuid.NewString()
	lockArgs := make([]any, 0, len(ids)+1)
	lockArgs = append(lockArgs, token)
	for _, id := range ids {
		lockArgs = append(lockArgs, id)
	}
	if _, err := tx.ExecContext(ctx,
		s.q("UPDATE queue SET locked = 1, lock_token = ? WHERE locked = 0 AND id IN ("+placeholders(len(ids))+")"),
		lockArgs...); err != nil {
		return nil, fmt.Errorf("failed to lock pickup candidates: %w", err)
	}

	locked, err := s.queryQueued(ctx, tx,
		"SELECT "+queuedColumns+" FROM queue q LEFT JOIN messages m ON m.id = q.id WHERE q.lock_token = ?",
		int(TransactionDeferred), token)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pickup: %w", err)
	}

	order := make(map[string]int, len(ids))
	for i, id := range ids {
		order[id] = i
	}
	sort.Slice(locked, func(i, j int) bool {
		return order[locked[i].ID] < order[locked[j].ID]
	})

	s.logger.Debug("Picked up queued messages", "requested", args[len(args)-1], "candidates", len(ids), "locked", len(locked))
	return locked, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) queryQueued(ctx context.Context, q querier, query string, args ...any) ([]QueuedMessage, error) {
	rows, err := q.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var (
			qm                  QueuedMessage
			queuedAt, sendAfter int64
			locked              int
			mailFrom, rcptTo    sql.NullString
		)
		if err := rows.Scan(&qm.ID, &qm.SendID, &queuedAt, &sendAfter, &locked, &qm.DataPath,
			&qm.IdentityGroupID, &mailFrom, &rcptTo, &qm.DeferredCount); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		qm.QueuedAt = time.Unix(0, queuedAt)
		qm.AttemptSendAfter = time.Unix(0, sendAfter)
		qm.Locked = locked != 0
		qm.MailFrom = mailFrom.String
		if rcptTo.Valid && rcptTo.String != "" {
			qm.RcptTo = strings.Split(rcptTo.String, ",")
		}
		out = append(out, qm)
	}
	return out, rows.Err()
}

// ReleaseLock clears the pickup lock without touching anything else.
func (s *SQLStore) ReleaseLock(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q("UPDATE queue SET locked = 0, lock_token = NULL WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to release pickup lock for %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Reschedule(ctx context.Context, id string, attemptSendAfter time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE queue SET attempt_send_after = ?, locked = 0, lock_token = NULL WHERE id = ?"),
		attemptSendAfter.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the queue entry and its envelope.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM queue WHERE id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete queue entry %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM messages WHERE id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	return tx.Commit()
}

// GetMessageByID returns a queue entry with its envelope.
func (s *SQLStore) GetMessageByID(ctx context.Context, id string) (*QueuedMessage, error) {
	msgs, err := s.queryQueued(ctx, s.db,
		"SELECT "+queuedColumns+" FROM queue q LEFT JOIN messages m ON m.id = q.id WHERE q.id = ?",
		int(TransactionDeferred), id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return &msgs[0], nil
}

// QueueStats counts queue entries.
func (s *SQLStore) QueueStats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN locked = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN locked = 0 AND attempt_send_after <= ? THEN 1 ELSE 0 END), 0)
		FROM queue`), s.now().UnixNano()).Scan(&st.Total, &st.Locked, &st.Due)
	if err != nil {
		return st, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return st, nil
}

// SaveSend inserts or updates a send.
func (s *SQLStore) SaveSend(ctx context.Context, send Send) error {
	if send.ID == "" {
		return fmt.Errorf("%w: send id is required", ErrInvalidInput)
	}
	if send.CreatedAt.IsZero() {
		send.CreatedAt = s.now()
	}
	return s.upsert(ctx,
		"UPDATE sends SET status = ? WHERE id = ?",
		[]any{int(send.Status), send.ID},
		"INSERT INTO sends (id, status, created_at) VALUES (?, ?, ?)",
		[]any{send.ID, int(send.Status), send.CreatedAt.UnixNano()},
	)
}

// GetSend returns a send by id.
func (s *SQLStore) GetSend(ctx context.Context, id string) (*Send, error) {
	var (
		send      Send
		status    int
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q("SELECT id, status, created_at FROM sends WHERE id = ?"), id).
		Scan(&send.ID, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read send %s: %w", id, err)
	}
	send.Status = SendStatus(status)
	send.CreatedAt = time.Unix(0, createdAt)
	return &send, nil
}

// SetSendStatus changes the status of an existing send.
func (s *SQLStore) SetSendStatus(ctx context.Context, id string, status SendStatus) error {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE sends SET status = ? WHERE id = ?"), int(status), id)
	if err != nil {
		return fmt.Errorf("failed to update send %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordTransaction appends a delivery attempt outcome.
func (s *SQLStore) RecordTransaction(ctx context.Context, t Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO transactions
		(message_id, send_id, identity, status, server_hostname, server_response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.MessageID, t.SendID, t.Identity, int(t.Status), t.ServerHostname, t.ServerResponse, t.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record transaction for %s: %w", t.MessageID, err)
	}
	return nil
}

// GetSendSummary counts a send's transactions by status.
func (s *SQLStore) GetSendSummary(ctx context.Context, sendID string) (TransactionSummary, error) {
	var summary TransactionSummary
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT status, COUNT(*) FROM transactions WHERE send_id = ? GROUP BY status"), sendID)
	if err != nil {
		return summary, fmt.Errorf("failed to summarize send %s: %w", sendID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status int
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return summary, err
		}
		summary.add(TransactionStatus(status), n)
	}
	return summary, rows.Err()
}

// LoadPatterns returns every outbound pattern.
func (s *SQLStore) LoadPatterns(ctx context.Context) ([]rules.Pattern, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, priority, name, kind, pattern_value, identity_id FROM outbound_patterns ORDER BY priority, id")
	if err != nil {
		return nil, fmt.Errorf("failed to load outbound patterns: %w", err)
	}
	defer rows.Close()

	var patterns []rules.Pattern
	for rows.Next() {
		var (
			p        rules.Pattern
			kind     int
			identity sql.NullInt64
		)
		if err := rows.Scan(&p.ID, &p.Priority, &p.Name, &kind, &p.Value, &identity); err != nil {
			return nil, err
		}
		p.Kind = rules.PatternKind(kind)
		if identity.Valid {
			id := int(identity.Int64)
			p.IdentityID = &id
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// LoadRules returns every outbound rule.
func (s *SQLStore) LoadRules(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT pattern_id, rule_type, rule_value FROM outbound_rules")
	if err != nil {
		return nil, fmt.Errorf("failed to load outbound rules: %w", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var r rules.Rule
		var typ int
		if err := rows.Scan(&r.PatternID, &typ, &r.Value); err != nil {
			return nil, err
		}
		r.Type = rules.RuleType(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SavePattern inserts or updates a pattern.
func (s *SQLStore) SavePattern(ctx context.Context, p rules.Pattern) error {
	var identity sql.NullInt64
	if p.IdentityID != nil {
		identity = sql.NullInt64{Int64: int64(*p.IdentityID), Valid: true}
	}
	return s.upsert(ctx,
		"UPDATE outbound_patterns SET priority = ?, name = ?, kind = ?, pattern_value = ?, identity_id = ? WHERE id = ?",
		[]any{p.Priority, p.Name, int(p.Kind), p.Value, identity, p.ID},
		"INSERT INTO outbound_patterns (id, priority, name, kind, pattern_value, identity_id) VALUES (?, ?, ?, ?, ?, ?)",
		[]any{p.ID, p.Priority, p.Name, int(p.Kind), p.Value, identity},
	)
}

// SaveRule inserts or updates the rule of a type attached to a pattern.
func (s *SQLStore) SaveRule(ctx context.Context, r rules.Rule) error {
	return s.upsert(ctx,
		"UPDATE outbound_rules SET rule_value = ? WHERE pattern_id = ? AND rule_type = ?",
		[]any{r.Value, r.PatternID, int(r.Type)},
		"INSERT INTO outbound_rules (pattern_id, rule_type, rule_value) VALUES (?, ?, ?)",
		[]any{r.PatternID, int(r.Type), r.Value},
	)
}
