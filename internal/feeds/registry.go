package feeds

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrConnectionLimit reports a source address at its connection cap.
var ErrConnectionLimit = errors.New("feeds: too many connections from this address")

// Registry owns every thread feed plus per-source-address connection
// accounting. Address counter increments are paired with handshake accepts
// and the matching decrements with connection closes; a counter entry is
// removed entirely once it reaches zero.
type Registry struct {
	maxPerIP   int
	flushEvery time.Duration
	clk        clock.Clock
	log        *zap.Logger
	metrics    *Metrics

	mu       sync.Mutex
	feeds    map[uint64]*Feed
	ipCounts map[uint64]int
	conns    map[string]connMeta
}

type connMeta struct {
	ip          string
	threadID    uint64
	board       string
	connectedAt time.Time
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(maxPerIP int, flushEvery time.Duration, clk clock.Clock, log *zap.Logger, metrics *Metrics) *Registry {
	return &Registry{
		maxPerIP:   maxPerIP,
		flushEvery: flushEvery,
		clk:        clk,
		log:        log,
		metrics:    metrics,
		feeds:      make(map[uint64]*Feed),
		ipCounts:   make(map[uint64]int),
		conns:      make(map[string]connMeta),
	}
}

// Register accepts a new connection from ip, enforcing the per-address cap.
// Called before the protocol handshake completes so capped addresses are
// rejected cheaply. Must be paired with Unregister.
func (r *Registry) Register(ip string) error {
	key := hashIP(ip)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ipCounts[key] >= r.maxPerIP {
		r.log.Warn("address connection limit exceeded",
			zap.String("ip", ip),
			zap.Int("count", r.ipCounts[key]),
			zap.Int("limit", r.maxPerIP))
		return ErrConnectionLimit
	}
	r.ipCounts[key]++
	r.updateGaugesLocked()
	return nil
}

// Unregister releases a connection slot for ip. Zeroed counters are removed
// so the map never accumulates stale entries.
func (r *Registry) Unregister(ip string) {
	key := hashIP(ip)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ipCounts[key] <= 1 {
		delete(r.ipCounts, key)
	} else {
		r.ipCounts[key]--
	}
	r.updateGaugesLocked()
}

// Track records metadata for an upgraded connection.
func (r *Registry) Track(c *Client) {
	r.mu.Lock()
	r.conns[c.ID()] = connMeta{ip: c.IP(), connectedAt: c.ConnectedAt()}
	r.updateGaugesLocked()
	r.mu.Unlock()
}

// Untrack drops a connection's metadata on close.
func (r *Registry) Untrack(c *Client) {
	r.mu.Lock()
	delete(r.conns, c.ID())
	r.updateGaugesLocked()
	r.mu.Unlock()
}

// GetOrCreate returns the feed for a thread, creating it on first use.
func (r *Registry) GetOrCreate(threadID uint64) *Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(threadID)
}

func (r *Registry) getOrCreateLocked(threadID uint64) *Feed {
	feed, ok := r.feeds[threadID]
	if !ok {
		feed = NewFeed(threadID, r.flushEvery, r.clk, r.log, r.metrics)
		r.feeds[threadID] = feed
		r.updateGaugesLocked()
		r.log.Debug("feed created", zap.Uint64("thread_id", threadID))
	}
	return feed
}

// Get returns the feed for a thread, nil if none exists.
func (r *Registry) Get(threadID uint64) *Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeds[threadID]
}

// Remove destroys and drops a feed.
func (r *Registry) Remove(threadID uint64) {
	r.mu.Lock()
	feed, ok := r.feeds[threadID]
	if ok {
		delete(r.feeds, threadID)
		r.updateGaugesLocked()
	}
	r.mu.Unlock()

	if ok {
		feed.Destroy()
		r.log.Debug("feed removed", zap.Uint64("thread_id", threadID))
	}
}

// Subscribe adds a client to a thread's feed, creating the feed on first
// subscriber, and returns it.
func (r *Registry) Subscribe(c *Client, threadID uint64) *Feed {
	r.mu.Lock()
	feed := r.getOrCreateLocked(threadID)
	if meta, ok := r.conns[c.ID()]; ok {
		meta.threadID = threadID
		meta.board = c.Board()
		r.conns[c.ID()] = meta
	}
	r.mu.Unlock()

	feed.AddClient(c)
	return feed
}

// Unsubscribe removes a client from a thread's feed. An empty feed is not
// destroyed here; eviction is the sweeper's job, so rapid reconnects do not
// thrash feed state.
func (r *Registry) Unsubscribe(c *Client, threadID uint64) {
	if threadID == 0 {
		return
	}

	feed := r.Get(threadID)
	if feed == nil {
		return
	}
	if feed.RemoveClient(c) {
		r.log.Debug("feed now empty, eligible for eviction", zap.Uint64("thread_id", threadID))
	}
}

// Feeds returns a snapshot of all feeds.
func (r *Registry) Feeds() []*Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Feed, 0, len(r.feeds))
	for _, feed := range r.feeds {
		out = append(out, feed)
	}
	return out
}

// FeedCount returns the number of active feeds.
func (r *Registry) FeedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.feeds)
}

// ConnectionCount returns the number of tracked connections.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// UniqueIPCount returns the number of addresses holding connections.
func (r *Registry) UniqueIPCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ipCounts)
}

// updateGaugesLocked refreshes the prometheus gauges. Caller holds r.mu.
func (r *Registry) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.Connections.Set(float64(len(r.conns)))
	r.metrics.Feeds.Set(float64(len(r.feeds)))
	r.metrics.UniqueIPs.Set(float64(len(r.ipCounts)))
}
