package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/busybox42/outbound/internal/rules"
)

// MemoryStore implements Store in memory. A single mutex makes every
// operation atomic.
type MemoryStore struct {
	mu           sync.Mutex
	messages     map[string]Message
	queue        map[string]QueuedMessage
	sends        map[string]Send
	transactions []Transaction
	patterns     map[int]rules.Pattern
	rules        map[[2]int]rules.Rule
	now          func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]Message),
		queue:    make(map[string]QueuedMessage),
		sends:    make(map[string]Send),
		patterns: make(map[int]rules.Pattern),
		rules:    make(map[[2]int]rules.Rule),
		now:      time.Now,
	}
}

func (m *MemoryStore) Type() string { return "memory" }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) SaveMessage(_ context.Context, msg Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.RcptTo = append([]string(nil), msg.RcptTo...)
	m.messages[msg.ID] = msg
	return nil
}

func (m *MemoryStore) SaveQueuedMessage(_ context.Context, qm QueuedMessage) error {
	if err := validateQueued(qm); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if qm.QueuedAt.IsZero() {
		qm.QueuedAt = m.now()
	}
	qm.Message = Message{ID: qm.ID, SendID: qm.SendID}
	qm.DeferredCount = 0
	m.queue[qm.ID] = qm
	return nil
}

// view joins a queue entry with its envelope and deferred count.
func (m *MemoryStore) view(qm QueuedMessage) QueuedMessage {
	if msg, ok := m.messages[qm.ID]; ok {
		qm.MailFrom = msg.MailFrom
		qm.RcptTo = append([]string(nil), msg.RcptTo...)
	}
	qm.DeferredCount = 0
	for _, t := range m.transactions {
		if t.MessageID == qm.ID && t.Status == TransactionDeferred {
			qm.DeferredCount++
		}
	}
	return qm
}

func (m *MemoryStore) PickupForSending(_ context.Context, maxMessages int) ([]QueuedMessage, error) {
	if maxMessages <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	bySend := make(map[string][]QueuedMessage)
	for _, qm := range m.queue {
		if qm.Locked || qm.AttemptSendAfter.After(now) {
			continue
		}
		if send, ok := m.sends[qm.SendID]; !ok || send.Status != SendActive {
			continue
		}
		bySend[qm.SendID] = append(bySend[qm.SendID], qm)
	}

	type ranked struct {
		qm   QueuedMessage
		rank int
	}
	var candidates []ranked
	for _, entries := range bySend {
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].AttemptSendAfter.Equal(entries[j].AttemptSendAfter) {
				return entries[i].AttemptSendAfter.After(entries[j].AttemptSendAfter)
			}
			return entries[i].ID < entries[j].ID
		})
		for i, qm := range entries {
			candidates = append(candidates, ranked{qm: qm, rank: i + 1})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		if !a.qm.AttemptSendAfter.Equal(b.qm.AttemptSendAfter) {
			return a.qm.AttemptSendAfter.Before(b.qm.AttemptSendAfter)
		}
		return a.qm.ID < b.qm.ID
	})

	var out []QueuedMessage
	for _, c := range candidates {
		if len(out) == maxMessages {
			break
		}
		out = append(out, m.lock(c.qm))
	}
	return out, nil
}

func (m *MemoryStore) PickupForDiscarding(_ context.Context, maxMessages int) ([]QueuedMessage, error) {
	if maxMessages <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []QueuedMessage
	for _, qm := range m.queue {
		if qm.Locked {
			continue
		}
		if send, ok := m.sends[qm.SendID]; !ok || send.Status != SendDiscard {
			continue
		}
		candidates = append(candidates, qm)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].AttemptSendAfter.Equal(candidates[j].AttemptSendAfter) {
			return candidates[i].AttemptSendAfter.Before(candidates[j].AttemptSendAfter)
		}
		return candidates[i].ID < candidates[j].ID
	})

	var out []QueuedMessage
	for _, qm := range candidates {
		if len(out) == maxMessages {
			break
		}
		out = append(out, m.lock(qm))
	}
	return out, nil
}

func (m *MemoryStore) lock(qm QueuedMessage) QueuedMessage {
	qm.Locked = true
	m.queue[qm.ID] = qm
	return m.view(qm)
}

func (m *MemoryStore) ReleaseLock(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qm, ok := m.queue[id]; ok {
		qm.Locked = false
		m.queue[id] = qm
	}
	return nil
}

func (m *MemoryStore) Reschedule(_ context.Context, id string, attemptSendAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qm, ok := m.queue[id]
	if !ok {
		return ErrNotFound
	}
	qm.AttemptSendAfter = attemptSendAfter
	qm.Locked = false
	m.queue[id] = qm
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) GetMessageByID(_ context.Context, id string) (*QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qm, ok := m.queue[id]
	if !ok {
		return nil, ErrNotFound
	}
	v := m.view(qm)
	return &v, nil
}

func (m *MemoryStore) QueueStats(context.Context) (QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var st QueueStats
	for _, qm := range m.queue {
		st.Total++
		if qm.Locked {
			st.Locked++
		} else if !qm.AttemptSendAfter.After(now) {
			st.Due++
		}
	}
	return st, nil
}

func (m *MemoryStore) SaveSend(_ context.Context, send Send) error {
	if send.ID == "" {
		return fmt.Errorf("%w: send id is required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sends[send.ID]; ok {
		send.CreatedAt = existing.CreatedAt
	} else if send.CreatedAt.IsZero() {
		send.CreatedAt = m.now()
	}
	m.sends[send.ID] = send
	return nil
}

func (m *MemoryStore) GetSend(_ context.Context, id string) (*Send, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	send, ok := m.sends[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &send, nil
}

func (m *MemoryStore) SetSendStatus(_ context.Context, id string, status SendStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	send, ok := m.sends[id]
	if !ok {
		return ErrNotFound
	}
	send.Status = status
	m.sends[id] = send
	return nil
}

func (m *MemoryStore) RecordTransaction(_ context.Context, t Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	m.transactions = append(m.transactions, t)
	return nil
}

func (m *MemoryStore) GetSendSummary(_ context.Context, sendID string) (TransactionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var summary TransactionSummary
	for _, t := range m.transactions {
		if t.SendID == sendID {
			summary.add(t.Status, 1)
		}
	}
	return summary, nil
}

func (m *MemoryStore) LoadPatterns(context.Context) ([]rules.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rules.Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) LoadRules(context.Context) ([]rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rules.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PatternID != out[j].PatternID {
			return out[i].PatternID < out[j].PatternID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (m *MemoryStore) SavePattern(_ context.Context, p rules.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[p.ID] = p
	return nil
}

func (m *MemoryStore) SaveRule(_ context.Context, r rules.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[[2]int{r.PatternID, int(r.Type)}] = r
	return nil
}
