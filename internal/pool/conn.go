package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/busybox42/outbound/internal/mta"
)

// Session is an established outbound protocol session.
type Session interface {
	// Connected reports whether the underlying socket is still usable.
	Connected() bool
	Close() error
}

// Conn is a pooled connection handle. A Conn is owned by at most one worker
// between Acquire and Release.
type Conn struct {
	Identity mta.Identity
	MX       mta.MXRecord
	Session  Session

	key       setKey
	createdAt time.Time
	lastUsed  time.Time
	messages  atomic.Int64
	closeOnce sync.Once
}

// Host returns the normalized destination host.
func (c *Conn) Host() string {
	return c.key.host
}

// CreatedAt returns when the connection was established.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// MessagesSent returns the number of messages sent over the connection.
func (c *Conn) MessagesSent() int64 {
	return c.messages.Load()
}

// CountMessage records one more message sent and returns the new total.
func (c *Conn) CountMessage() int64 {
	return c.messages.Add(1)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		_ = c.Session.Close()
	})
}

type setKey struct {
	identityID int
	host       string
}

// idleQueue is a FIFO of idle connections, safe for concurrent push and pop.
type idleQueue struct {
	mu    sync.Mutex
	items []*Conn
}

func (q *idleQueue) push(c *Conn) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

func (q *idleQueue) pop() *Conn {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	c := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return c
}

func (q *idleQueue) drain() []*Conn {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *idleQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// connSet is the pool state for one (identity, destination host) pair. A
// connection is in at most one of idle and inUse.
type connSet struct {
	idle idleQueue

	mu        sync.Mutex
	inUse     map[*Conn]struct{}
	dialing   int
	nextPurge time.Time
}

func newConnSet(now time.Time, purgeInterval time.Duration) *connSet {
	return &connSet{
		inUse:     make(map[*Conn]struct{}),
		nextPurge: now.Add(purgeInterval),
	}
}

// attemptLimiter bounds concurrent connection attempts across all
// destinations.
type attemptLimiter struct {
	mu       sync.Mutex
	inFlight int
	max      int
}

func (a *attemptLimiter) tryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight >= a.max {
		return false
	}
	a.inFlight++
	attemptsInFlight.Inc()
	return true
}

func (a *attemptLimiter) release() {
	a.mu.Lock()
	a.inFlight--
	attemptsInFlight.Dec()
	a.mu.Unlock()
}

func (a *attemptLimiter) current() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}
