// Package store persists queued messages, sends, delivery transactions and
// the outbound pattern and rule tables.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/busybox42/outbound/internal/rules"
)

// Common errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SendStatus is the state of a send (campaign).
type SendStatus int

const (
	SendActive  SendStatus = 1
	SendPaused  SendStatus = 2
	SendDiscard SendStatus = 3
)

func (s SendStatus) String() string {
	switch s {
	case SendActive:
		return "active"
	case SendPaused:
		return "paused"
	case SendDiscard:
		return "discard"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseSendStatus converts the textual form of a send status.
func ParseSendStatus(s string) (SendStatus, error) {
	for _, st := range []SendStatus{SendActive, SendPaused, SendDiscard} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown send status %q", ErrInvalidInput, s)
}

// TransactionStatus is the outcome of one delivery attempt.
type TransactionStatus int

const (
	TransactionDeferred  TransactionStatus = 1
	TransactionFailed    TransactionStatus = 2
	TransactionDiscarded TransactionStatus = 3
	TransactionSuccess   TransactionStatus = 4
	TransactionTimedOut  TransactionStatus = 5
	TransactionThrottled TransactionStatus = 6
)

func (s TransactionStatus) String() string {
	switch s {
	case TransactionDeferred:
		return "deferred"
	case TransactionFailed:
		return "failed"
	case TransactionDiscarded:
		return "discarded"
	case TransactionSuccess:
		return "success"
	case TransactionTimedOut:
		return "timed_out"
	case TransactionThrottled:
		return "throttled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Send groups messages submitted together. Its status decides whether its
// messages are delivered or drained.
type Send struct {
	ID        string
	Status    SendStatus
	CreatedAt time.Time
}

// Message is the envelope of a queued message.
type Message struct {
	ID       string
	SendID   string
	MailFrom string // empty for the null reverse-path
	RcptTo   []string
}

// QueuedMessage is a message's queue entry.
type QueuedMessage struct {
	Message
	QueuedAt         time.Time
	AttemptSendAfter time.Time
	Locked           bool
	DataPath         string
	IdentityGroupID  int
	// DeferredCount is the number of deferred transactions recorded for
	// the message. It is filled by pickups and lookups, never stored.
	DeferredCount int
}

// Transaction records the outcome of one delivery attempt.
type Transaction struct {
	MessageID      string
	SendID         string
	Identity       string
	Status         TransactionStatus
	ServerHostname string
	ServerResponse string
	CreatedAt      time.Time
}

// TransactionSummary counts a send's transactions by status.
type TransactionSummary struct {
	Deferred  int64 `json:"deferred"`
	Failed    int64 `json:"failed"`
	Discarded int64 `json:"discarded"`
	Success   int64 `json:"success"`
	TimedOut  int64 `json:"timed_out"`
	Throttled int64 `json:"throttled"`
}

func (s *TransactionSummary) add(status TransactionStatus, n int64) {
	switch status {
	case TransactionDeferred:
		s.Deferred += n
	case TransactionFailed:
		s.Failed += n
	case TransactionDiscarded:
		s.Discarded += n
	case TransactionSuccess:
		s.Success += n
	case TransactionTimedOut:
		s.TimedOut += n
	case TransactionThrottled:
		s.Throttled += n
	}
}

// Attempts is the total number of recorded transactions.
func (s TransactionSummary) Attempts() int64 {
	return s.Deferred + s.Failed + s.Discarded + s.Success + s.TimedOut + s.Throttled
}

// Accepted is the number of messages the remote side accepted.
func (s TransactionSummary) Accepted() int64 {
	return s.Success
}

// Rejected counts terminal non-delivery outcomes.
func (s TransactionSummary) Rejected() int64 {
	return s.Failed + s.Discarded + s.TimedOut
}

// ThrottledPercent is the share of attempts that were throttled.
func (s TransactionSummary) ThrottledPercent() float64 {
	return percent(s.Throttled, s.Attempts())
}

// DeferredPercent is the share of attempts that were deferred.
func (s TransactionSummary) DeferredPercent() float64 {
	return percent(s.Deferred, s.Attempts())
}

func percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}

// QueueStats is a snapshot of the queue table.
type QueueStats struct {
	Total  int64 `json:"total"`
	Locked int64 `json:"locked"`
	Due    int64 `json:"due"`
}

// Store is the message store consumed by the delivery engine.
//
// PickupForSending and PickupForDiscarding are atomic: every returned entry
// has been locked by the call that returned it, and no two calls return the
// same entry until its lock is released.
type Store interface {
	SaveMessage(ctx context.Context, msg Message) error
	SaveQueuedMessage(ctx context.Context, qm QueuedMessage) error
	PickupForSending(ctx context.Context, maxMessages int) ([]QueuedMessage, error)
	PickupForDiscarding(ctx context.Context, maxMessages int) ([]QueuedMessage, error)
	ReleaseLock(ctx context.Context, id string) error
	// Reschedule sets the next attempt time of an existing entry and clears
	// its lock. It never creates an entry; ErrNotFound means it was deleted.
	Reschedule(ctx context.Context, id string, attemptSendAfter time.Time) error
	Delete(ctx context.Context, id string) error
	GetMessageByID(ctx context.Context, id string) (*QueuedMessage, error)
	QueueStats(ctx context.Context) (QueueStats, error)

	SaveSend(ctx context.Context, send Send) error
	GetSend(ctx context.Context, id string) (*Send, error)
	SetSendStatus(ctx context.Context, id string, status SendStatus) error

	RecordTransaction(ctx context.Context, tx Transaction) error
	GetSendSummary(ctx context.Context, sendID string) (TransactionSummary, error)

	LoadPatterns(ctx context.Context) ([]rules.Pattern, error)
	LoadRules(ctx context.Context) ([]rules.Rule, error)
	SavePattern(ctx context.Context, p rules.Pattern) error
	SaveRule(ctx context.Context, r rules.Rule) error

	Type() string
	Close() error
}

// Config represents the configuration for a store
type Config struct {
	Type     string // sqlite, postgres, mysql or memory
	Host     string
	Port     int
	Database string // database name, or file path for sqlite
	Username string
	Password string
	Options  map[string]string
}

// Open creates and connects a store based on configuration.
func Open(ctx context.Context, config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		return OpenSQL(ctx, sqliteDialect, config)
	case "postgres":
		return OpenSQL(ctx, postgresDialect, config)
	case "mysql":
		return OpenSQL(ctx, mysqlDialect, config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// DefaultPattern is the catch-all pattern seeded by EnsureDefaultPattern.
var DefaultPattern = rules.Pattern{
	ID:       1,
	Priority: 1 << 30,
	Name:     "default",
	Kind:     rules.KindRegex,
	Value:    ".*",
}

// EnsureDefaultPattern seeds a catch-all pattern with conservative rules when
// no unrestricted catch-all pattern exists. It reports whether one was added.
func EnsureDefaultPattern(ctx context.Context, s Store) (bool, error) {
	patterns, err := s.LoadPatterns(ctx)
	if err != nil {
		return false, err
	}
	maxID := 0
	for _, p := range patterns {
		if p.ID > maxID {
			maxID = p.ID
		}
		if p.Kind == rules.KindRegex && !p.Restricted() && (p.Value == ".*" || p.Value == "^.*$") {
			return false, nil
		}
	}

	def := DefaultPattern
	def.ID = maxID + 1
	if err := s.SavePattern(ctx, def); err != nil {
		return false, err
	}
	for _, r := range []rules.Rule{
		{PatternID: def.ID, Type: rules.RuleMaxConnections, Value: "1"},
		{PatternID: def.ID, Type: rules.RuleMaxMessagesPerConnection, Value: "1"},
		{PatternID: def.ID, Type: rules.RuleMaxMessagesPerHour, Value: "-1"},
	} {
		if err := s.SaveRule(ctx, r); err != nil {
			return false, err
		}
	}
	return true, nil
}

func validateQueued(qm QueuedMessage) error {
	if qm.ID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidInput)
	}
	if qm.SendID == "" {
		return fmt.Errorf("%w: send id is required", ErrInvalidInput)
	}
	return nil
}

func validateMessage(m Message) error {
	if m.ID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidInput)
	}
	if len(m.RcptTo) == 0 {
		return fmt.Errorf("%w: message %s has no recipients", ErrInvalidInput, m.ID)
	}
	return nil
}
