package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/busybox42/outbound/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu        sync.Mutex
	manager   *Manager
	delivered []string
	discarded []string
	failOn    string
}

func (h *recordingHandler) Deliver(ctx context.Context, msg store.QueuedMessage) error {
	h.mu.Lock()
	h.delivered = append(h.delivered, msg.ID)
	h.mu.Unlock()
	if msg.ID == h.failOn {
		return errors.New("no default pattern")
	}
	return h.manager.Delete(ctx, msg.ID)
}

func (h *recordingHandler) Discard(ctx context.Context, msg store.QueuedMessage) error {
	h.mu.Lock()
	h.discarded = append(h.discarded, msg.ID)
	h.mu.Unlock()
	return h.manager.Delete(ctx, msg.ID)
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delivered), len(h.discarded)
}

func TestProcessorDrainsQueues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, s := newTestManager(t)
	require.NoError(t, s.SaveSend(ctx, store.Send{ID: "drop", Status: store.SendDiscard}))
	for i := 0; i < 7; i++ {
		_, err := m.Enqueue(ctx, EnqueueRequest{SendID: "s1", RcptTo: []string{"a@example.com"}})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := m.Enqueue(ctx, EnqueueRequest{SendID: "drop", RcptTo: []string{"b@example.com"}})
		require.NoError(t, err)
	}

	h := &recordingHandler{manager: m}
	p := NewProcessor(m, ProcessorConfig{
		Enabled:       true,
		Interval:      10 * time.Millisecond,
		MaxConcurrent: 2,
		BatchSize:     3,
		Discard:       true,
	}, h)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		delivered, discarded := h.counts()
		return delivered == 7 && discarded == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Equal(t, int64(10), p.Processed())
}

func TestProcessorStopsOnHandlerError(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	var ids []string
	for i := 0; i < 4; i++ {
		id, err := m.Enqueue(ctx, EnqueueRequest{SendID: "s1", RcptTo: []string{"a@example.com"}})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	h := &recordingHandler{manager: m, failOn: ids[0]}
	p := NewProcessor(m, ProcessorConfig{
		Enabled:       true,
		Interval:      10 * time.Millisecond,
		MaxConcurrent: 1,
		BatchSize:     10,
	}, h)

	err := p.Run(ctx)
	require.Error(t, err)
	assert.False(t, p.Running())

	// Whatever the handler never saw is unlocked again.
	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	delivered, _ := h.counts()
	assert.Equal(t, int64(4-delivered+1), stats.Total)
	assert.Equal(t, int64(1), stats.Locked, "only the failed message keeps its lock")
}

func TestProcessorDisabled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	m, _ := newTestManager(t)
	p := NewProcessor(m, ProcessorConfig{Enabled: false}, &recordingHandler{manager: m})
	assert.NoError(t, p.Run(ctx))
	assert.Zero(t, p.Processed())
}
