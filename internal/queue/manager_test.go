package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/busybox42/outbound/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.SaveSend(context.Background(), store.Send{ID: "s1", Status: store.SendActive}))
	return NewManager(s, DefaultConfig()), s
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	id, err := m.Enqueue(ctx, EnqueueRequest{
		SendID:   "s1",
		MailFrom: "sender@example.org",
		RcptTo:   []string{"a@example.com"},
		DataPath: "/var/spool/outbound/x.eml",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	qm, err := m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sender@example.org", qm.MailFrom)
	assert.Equal(t, []string{"a@example.com"}, qm.RcptTo)
	assert.False(t, qm.Locked)

	t.Run("validation", func(t *testing.T) {
		_, err := m.Enqueue(ctx, EnqueueRequest{SendID: "s1"})
		assert.ErrorIs(t, err, store.ErrInvalidInput)
		_, err = m.Enqueue(ctx, EnqueueRequest{RcptTo: []string{"a@example.com"}})
		assert.ErrorIs(t, err, store.ErrInvalidInput)
	})

	t.Run("recipients share one domain", func(t *testing.T) {
		before, err := m.Stats(ctx)
		require.NoError(t, err)

		_, err = m.Enqueue(ctx, EnqueueRequest{SendID: "s1", RcptTo: []string{"a@example.com", "b@example.net"}})
		assert.ErrorIs(t, err, store.ErrInvalidInput)
		_, err = m.Enqueue(ctx, EnqueueRequest{SendID: "s1", RcptTo: []string{"a@example.com", "nobody"}})
		assert.ErrorIs(t, err, store.ErrInvalidInput)

		after, err := m.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, before.Total, after.Total, "rejected messages are not queued")

		_, err = m.Enqueue(ctx, EnqueueRequest{SendID: "s1", RcptTo: []string{"a@example.com", "b@EXAMPLE.com."}})
		assert.NoError(t, err, "domains compare case-insensitively")
	})
}

func TestPickupRejectsNonPositiveMax(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.PickupForSending(context.Background(), 0)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = m.PickupForDiscarding(context.Background(), -1)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestPickupLocks(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(ctx, EnqueueRequest{SendID: "s1", RcptTo: []string{"a@example.com"}})
		require.NoError(t, err)
	}

	first, err := m.PickupForSending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := m.PickupForSending(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, second, 1)

	require.NoError(t, m.ReleaseLock(ctx, second[0].ID))
	third, err := m.PickupForSending(ctx, 5)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, second[0].ID, third[0].ID)
}

func TestRetryDelay(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), Config{
		RetrySchedule: []time.Duration{time.Minute, time.Hour},
	})
	assert.Equal(t, time.Minute, m.RetryDelay(0))
	assert.Equal(t, time.Hour, m.RetryDelay(1))
	assert.Equal(t, time.Hour, m.RetryDelay(7))
	assert.Equal(t, time.Minute, m.RetryDelay(-1))
}

func TestDeferAndThrottle(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	id, err := m.Enqueue(ctx, EnqueueRequest{SendID: "s1", RcptTo: []string{"a@example.com"}})
	require.NoError(t, err)

	require.NoError(t, s.RecordTransaction(ctx, store.Transaction{
		MessageID: id, SendID: "s1", Status: store.TransactionDeferred, CreatedAt: now,
	}))
	qm, err := m.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, qm.DeferredCount)

	require.NoError(t, m.Defer(ctx, *qm, "Connect failed"))
	qm, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, qm.Locked)
	assert.True(t, qm.AttemptSendAfter.Equal(now.Add(5*time.Minute)))
	assert.True(t, qm.QueuedAt.Equal(now), "rescheduling keeps the queue time")

	require.NoError(t, m.Throttle(ctx, *qm))
	qm, err = m.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, qm.AttemptSendAfter.Equal(now.Add(time.Minute)))
}

func TestDeferAfterDelete(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	id, err := m.Enqueue(ctx, EnqueueRequest{SendID: "s1", RcptTo: []string{"a@example.com"}})
	require.NoError(t, err)
	batch, err := m.PickupForSending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, m.Delete(ctx, id))
	assert.ErrorIs(t, m.Defer(ctx, batch[0], "Connect failed"), store.ErrNotFound)
	assert.ErrorIs(t, m.Throttle(ctx, batch[0]), store.ErrNotFound)

	_, err = m.Get(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestExpired(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), Config{MaxQueueTime: time.Hour})
	now := time.Now()
	m.now = func() time.Time { return now }

	assert.False(t, m.Expired(store.QueuedMessage{QueuedAt: now.Add(-59 * time.Minute)}))
	assert.True(t, m.Expired(store.QueuedMessage{QueuedAt: now.Add(-61 * time.Minute)}))
	assert.False(t, m.Expired(store.QueuedMessage{}))
}

type failingStore struct {
	*store.MemoryStore
	calls int
}

func (f *failingStore) PickupForSending(context.Context, int) ([]store.QueuedMessage, error) {
	f.calls++
	return nil, errors.New("database is gone")
}

func TestPickupBreakerOpens(t *testing.T) {
	fs := &failingStore{MemoryStore: store.NewMemoryStore()}
	m := NewManager(fs, DefaultConfig())

	for i := 0; i < 5; i++ {
		_, err := m.PickupForSending(context.Background(), 1)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrBreakerOpen)
	}
	_, err := m.PickupForSending(context.Background(), 1)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 5, fs.calls, "an open breaker must not reach the store")
}
