package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/outbound/internal/rules"
)

// forEachStore runs fn against every store implementation that works
// without external services.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(context.Background(), Config{
			Type:     "sqlite",
			Database: filepath.Join(t.TempDir(), "queue.db"),
		})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func enqueue(t *testing.T, s Store, id, sendID string, sendAfter time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveMessage(ctx, Message{
		ID:       id,
		SendID:   sendID,
		MailFrom: "bounce@sender.example",
		RcptTo:   []string{"user-" + id + "@example.com"},
	}))
	require.NoError(t, s.SaveQueuedMessage(ctx, QueuedMessage{
		Message:          Message{ID: id, SendID: sendID},
		AttemptSendAfter: sendAfter,
		DataPath:         "/var/spool/outbound/" + id,
		IdentityGroupID:  1,
	}))
}

func ids(msgs []QueuedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSend(ctx, Send{ID: "send-1", Status: SendActive}))
		after := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
		enqueue(t, s, "m1", "send-1", after)

		got, err := s.GetMessageByID(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "send-1", got.SendID)
		assert.Equal(t, "bounce@sender.example", got.MailFrom)
		assert.Equal(t, []string{"user-m1@example.com"}, got.RcptTo)
		assert.True(t, after.Equal(got.AttemptSendAfter))
		assert.Equal(t, "/var/spool/outbound/m1", got.DataPath)
		assert.False(t, got.Locked)

		_, err = s.GetMessageByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.SaveMessage(ctx, Message{ID: "m2", SendID: "send-1"}), ErrInvalidInput)
	})
}

func TestPickupFairness(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSend(ctx, Send{ID: "A", Status: SendActive}))
		require.NoError(t, s.SaveSend(ctx, Send{ID: "B", Status: SendActive}))

		base := time.Now().Add(-time.Hour)
		for i := 0; i < 10; i++ {
			enqueue(t, s, fmt.Sprintf("a%02d", i), "A", base.Add(time.Duration(i)*time.Second))
		}
		enqueue(t, s, "b00", "B", base)

		got, err := s.PickupForSending(ctx, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)

		sends := map[string]int{}
		for _, m := range got {
			sends[m.SendID]++
			assert.True(t, m.Locked)
		}
		assert.Equal(t, map[string]int{"A": 1, "B": 1}, sends)

		// B's entry is older than A's most recent one, so it comes first;
		// A contributes its most recently eligible entry.
		assert.Equal(t, []string{"b00", "a09"}, ids(got))
	})
}

func TestPickupSkipsIneligible(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSend(ctx, Send{ID: "active", Status: SendActive}))
		require.NoError(t, s.SaveSend(ctx, Send{ID: "paused", Status: SendPaused}))
		require.NoError(t, s.SaveSend(ctx, Send{ID: "discard", Status: SendDiscard}))

		past := time.Now().Add(-time.Minute)
		enqueue(t, s, "due", "active", past)
		enqueue(t, s, "future", "active", time.Now().Add(time.Hour))
		enqueue(t, s, "paused", "paused", past)
		enqueue(t, s, "discard", "discard", past)

		got, err := s.PickupForSending(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"due"}, ids(got))

		got, err = s.PickupForSending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, got, "locked entries are not picked twice")

		got, err = s.PickupForSending(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestPickupAtMostOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const sends, perSend = 4, 15
		base := time.Now().Add(-time.Hour)
		for i := 0; i < sends; i++ {
			sendID := fmt.Sprintf("send-%d", i)
			require.NoError(t, s.SaveSend(ctx, Send{ID: sendID, Status: SendActive}))
			for j := 0; j < perSend; j++ {
				enqueue(t, s, fmt.Sprintf("%s-%02d", sendID, j), sendID, base.Add(time.Duration(j)*time.Second))
			}
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					got, err := s.PickupForSending(ctx, 7)
					if !assert.NoError(t, err) || len(got) == 0 {
						return
					}
					mu.Lock()
					for _, m := range got {
						seen[m.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, sends*perSend)
		for id, n := range seen {
			assert.Equal(t, 1, n, "message %s picked %d times", id, n)
		}
	})
}

func TestPickupForDiscardingOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSend(ctx, Send{ID: "X", Status: SendDiscard}))
		require.NoError(t, s.SaveSend(ctx, Send{ID: "Y", Status: SendDiscard}))
		require.NoError(t, s.SaveSend(ctx, Send{ID: "live", Status: SendActive}))

		base := time.Now().Add(-time.Hour)
		enqueue(t, s, "x3", "X", base.Add(3*time.Second))
		enqueue(t, s, "x1", "X", base.Add(1*time.Second))
		enqueue(t, s, "x2", "X", base.Add(2*time.Second))
		enqueue(t, s, "y0", "Y", base)
		enqueue(t, s, "y4", "Y", base.Add(4*time.Second))
		enqueue(t, s, "live", "live", base)

		got, err := s.PickupForDiscarding(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, []string{"y0", "x1", "x2", "x3"}, ids(got))

		got, err = s.PickupForDiscarding(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, []string{"y4"}, ids(got))
	})
}

func TestReleaseLockAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSend(ctx, Send{ID: "S", Status: SendActive}))
		after := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
		enqueue(t, s, "m1", "S", after)

		got, err := s.PickupForSending(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)

		require.NoError(t, s.ReleaseLock(ctx, "m1"))
		msg, err := s.GetMessageByID(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, msg.Locked)
		assert.True(t, after.Equal(msg.AttemptSendAfter), "release must not reschedule")

		got, err = s.PickupForSending(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, ids(got))

		require.NoError(t, s.Delete(ctx, "m1"))
		_, err = s.GetMessageByID(ctx, "m1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRescheduleUpdatesOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSend(ctx, Send{ID: "S", Status: SendActive}))
		enqueue(t, s, "m1", "S", time.Now().Add(-time.Minute))

		got, err := s.PickupForSending(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)

		next := time.Now().Add(time.Hour).Truncate(time.Millisecond)
		require.NoError(t, s.Reschedule(ctx, "m1", next))
		msg, err := s.GetMessageByID(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, msg.Locked)
		assert.True(t, next.Equal(msg.AttemptSendAfter))
		assert.Equal(t, []string{"user-m1@example.com"}, msg.RcptTo)

		require.NoError(t, s.Delete(ctx, "m1"))
		assert.ErrorIs(t, s.Reschedule(ctx, "m1", next), ErrNotFound)
		_, err = s.GetMessageByID(ctx, "m1")
		assert.ErrorIs(t, err, ErrNotFound, "a deleted entry stays deleted")
	})
}

func TestDeferredCountAndSummary(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSend(ctx, Send{ID: "S", Status: SendActive}))
		enqueue(t, s, "m1", "S", time.Now().Add(-time.Minute))

		for _, st := range []TransactionStatus{TransactionDeferred, TransactionDeferred, TransactionThrottled} {
			require.NoError(t, s.RecordTransaction(ctx, Transaction{
				MessageID: "m1", SendID: "S", Identity: "1", Status: st, ServerHostname: "mx.example.com",
			}))
		}
		require.NoError(t, s.RecordTransaction(ctx, Transaction{MessageID: "m2", SendID: "S", Status: TransactionSuccess}))

		got, err := s.PickupForSending(ctx, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 2, got[0].DeferredCount)

		summary, err := s.GetSendSummary(ctx, "S")
		require.NoError(t, err)
		assert.Equal(t, int64(2), summary.Deferred)
		assert.Equal(t, int64(1), summary.Throttled)
		assert.Equal(t, int64(1), summary.Accepted())
		assert.Equal(t, int64(4), summary.Attempts())
		assert.InDelta(t, 50.0, summary.DeferredPercent(), 0.001)
		assert.InDelta(t, 25.0, summary.ThrottledPercent(), 0.001)
	})
}

func TestSendStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSend(ctx, Send{ID: "S", Status: SendActive}))
		require.NoError(t, s.SetSendStatus(ctx, "S", SendDiscard))

		send, err := s.GetSend(ctx, "S")
		require.NoError(t, err)
		assert.Equal(t, SendDiscard, send.Status)

		assert.ErrorIs(t, s.SetSendStatus(ctx, "missing", SendPaused), ErrNotFound)
		_, err = s.GetSend(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestQueueStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveSend(ctx, Send{ID: "S", Status: SendActive}))
		enqueue(t, s, "m1", "S", time.Now().Add(-time.Minute))
		enqueue(t, s, "m2", "S", time.Now().Add(-time.Minute))
		enqueue(t, s, "m3", "S", time.Now().Add(time.Hour))

		_, err := s.PickupForSending(ctx, 1)
		require.NoError(t, err)

		st, err := s.QueueStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, QueueStats{Total: 3, Locked: 1, Due: 1}, st)
	})
}

func TestPatternsAndDefault(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		identity := 3
		require.NoError(t, s.SavePattern(ctx, rules.Pattern{
			ID: 5, Priority: 10, Name: "example", Kind: rules.KindExactList,
			Value: "mx.example.com", IdentityID: &identity,
		}))
		require.NoError(t, s.SaveRule(ctx, rules.Rule{PatternID: 5, Type: rules.RuleMaxConnections, Value: "3"}))
		require.NoError(t, s.SaveRule(ctx, rules.Rule{PatternID: 5, Type: rules.RuleMaxConnections, Value: "4"}))

		created, err := EnsureDefaultPattern(ctx, s)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = EnsureDefaultPattern(ctx, s)
		require.NoError(t, err)
		assert.False(t, created, "default is only seeded once")

		patterns, err := s.LoadPatterns(ctx)
		require.NoError(t, err)
		require.Len(t, patterns, 2)
		assert.Equal(t, 5, patterns[0].ID)
		require.NotNil(t, patterns[0].IdentityID)
		assert.Equal(t, 3, *patterns[0].IdentityID)
		assert.Equal(t, 6, patterns[1].ID)
		assert.Nil(t, patterns[1].IdentityID)

		loaded, err := s.LoadRules(ctx)
		require.NoError(t, err)
		assert.Len(t, loaded, 4)
		assert.Contains(t, loaded, rules.Rule{PatternID: 5, Type: rules.RuleMaxConnections, Value: "4"})

		// the store is a rule source
		engine := rules.NewEngine(s, rules.Config{})
		_, id, err := engine.GetRules(ctx, "mail.example.org", mtaIdentity(1))
		require.NoError(t, err)
		assert.Equal(t, 6, id)
	})
}
