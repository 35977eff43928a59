package feeds

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ashchan/livefeed/internal/protocol"
)

// Feed is the broadcast channel for one thread: its subscriber set, the
// open-post body cache serving instant sync, and a buffer of text messages
// flushed on a fixed tick.
//
// Binary keystroke frames bypass the buffer and fan out immediately; text
// messages trade a bounded flush-interval latency for fewer frames under
// load.
type Feed struct {
	threadID   uint64
	flushEvery time.Duration
	clk        clock.Clock
	log        *zap.Logger
	metrics    *Metrics

	mu         sync.Mutex
	clients    map[string]*Client
	openBodies map[uint64]string
	buf        MessageBuffer
	ticker     *clock.Ticker
	tickStop   chan struct{}
	flushing   bool
	idleSince  time.Time
	destroyed  bool
}

// NewFeed creates a feed for one thread. Feeds are created by the registry
// on first subscription and destroyed by the sweeper once idle.
func NewFeed(threadID uint64, flushEvery time.Duration, clk clock.Clock, log *zap.Logger, metrics *Metrics) *Feed {
	return &Feed{
		threadID:   threadID,
		flushEvery: flushEvery,
		clk:        clk,
		log:        log,
		metrics:    metrics,
		clients:    make(map[string]*Client),
		openBodies: make(map[uint64]string),
	}
}

// ThreadID returns the thread this feed serves.
func (f *Feed) ThreadID() uint64 { return f.threadID }

// AddClient subscribes a client. The idle timestamp is cleared the instant
// a subscriber is added.
func (f *Feed) AddClient(c *Client) {
	f.mu.Lock()
	f.clients[c.ID()] = c
	f.idleSince = time.Time{}
	f.mu.Unlock()
}

// RemoveClient unsubscribes a client and reports whether the feed is now
// empty. The idle timestamp is set the instant the last subscriber leaves.
func (f *Feed) RemoveClient(c *Client) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, c.ID())
	if len(f.clients) == 0 {
		f.idleSince = f.clk.Now()
		return true
	}
	return false
}

// ClientCount returns the number of subscribers.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// UniqueIPCount returns the number of distinct source addresses subscribed.
func (f *Feed) UniqueIPCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	ips := make(map[string]struct{}, len(f.clients))
	for _, c := range f.clients {
		ips[c.IP()] = struct{}{}
	}
	return len(ips)
}

// Clients returns a snapshot of the current subscribers.
func (f *Feed) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Client, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, c)
	}
	return out
}

// IdleSince returns when the feed lost its last subscriber, zero while at
// least one remains.
func (f *Feed) IdleSince() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idleSince
}

// BroadcastBinary fans a binary frame out to every subscriber immediately.
// This is the keystroke hot path. Subscribers whose connection has closed
// are pruned silently.
func (f *Feed) BroadcastBinary(data []byte) {
	for _, c := range f.Clients() {
		if err := c.SendBinary(data); err != nil {
			f.prune(c)
			continue
		}
		if f.metrics != nil {
			f.metrics.Broadcasts.Inc()
		}
	}
}

// BroadcastText fans a text frame out to every subscriber immediately.
func (f *Feed) BroadcastText(msg string) {
	for _, c := range f.Clients() {
		if err := c.SendText(msg); err != nil {
			f.prune(c)
			continue
		}
		if f.metrics != nil {
			f.metrics.Broadcasts.Inc()
		}
	}
}

func (f *Feed) prune(c *Client) {
	f.mu.Lock()
	delete(f.clients, c.ID())
	if len(f.clients) == 0 && f.idleSince.IsZero() {
		f.idleSince = f.clk.Now()
	}
	f.mu.Unlock()
}

// QueueText enqueues a text message for the next batched flush and ensures
// the flush tick is running.
func (f *Feed) QueueText(msg string) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.buf.Push(msg)
	f.ensureTickerLocked()
	f.mu.Unlock()
}

// ensureTickerLocked starts the flush tick if it is not running. Caller
// holds f.mu.
func (f *Feed) ensureTickerLocked() {
	if f.ticker != nil {
		return
	}
	t := f.clk.Ticker(f.flushEvery)
	stop := make(chan struct{})
	f.ticker = t
	f.tickStop = stop
	go f.runFlush(t, stop)
}

func (f *Feed) runFlush(t *clock.Ticker, stop chan struct{}) {
	for {
		select {
		case <-t.C:
			if !f.flush() {
				return
			}
		case <-stop:
			return
		}
	}
}

// flush delivers the buffered messages: one message goes out as-is, several
// are wrapped into a single concat frame. Returns false once the buffer was
// found empty and the tick stopped.
//
// A re-entrancy flag guards against a slow flush overlapping the next tick;
// an overlapped tick is skipped entirely, never queued.
func (f *Feed) flush() bool {
	f.mu.Lock()
	if f.flushing {
		f.mu.Unlock()
		return true
	}
	if f.buf.IsEmpty() {
		f.stopTickerLocked()
		f.mu.Unlock()
		return false
	}
	f.flushing = true
	f.mu.Unlock()

	msgs := f.buf.Drain()
	switch len(msgs) {
	case 0:
		// Drained by Destroy between the check and here.
	case 1:
		f.BroadcastText(msgs[0])
	default:
		concat, err := protocol.EncodeConcat(msgs)
		if err != nil {
			f.log.Error("encode concat frame", zap.Uint64("thread_id", f.threadID), zap.Error(err))
		} else {
			f.BroadcastText(concat)
		}
	}

	f.mu.Lock()
	f.flushing = false
	f.mu.Unlock()
	return true
}

// stopTickerLocked stops the flush tick. Caller holds f.mu.
func (f *Feed) stopTickerLocked() {
	if f.ticker == nil {
		return
	}
	f.ticker.Stop()
	f.ticker = nil
	close(f.tickStop)
	f.tickStop = nil
}

// UpdateOpenBody caches the current body of an open post so new subscribers
// sync instantly without a store round trip.
func (f *Feed) UpdateOpenBody(postID uint64, body string) {
	f.mu.Lock()
	f.openBodies[postID] = body
	f.mu.Unlock()
}

// RemoveOpenBody drops a closed or expired post from the cache.
func (f *Feed) RemoveOpenBody(postID uint64) {
	f.mu.Lock()
	delete(f.openBodies, postID)
	f.mu.Unlock()
}

// OpenPostSnapshot is one open post in a sync reply.
type OpenPostSnapshot struct {
	ID   uint64 `json:"id"`
	Body string `json:"body"`
}

// SyncState is the snapshot sent to a newly synchronised client.
type SyncState struct {
	OpenPosts []OpenPostSnapshot `json:"open_posts"`
	ActiveIPs int                `json:"active_ips"`
	Clients   int                `json:"client_count"`
}

// SyncStateSnapshot builds the snapshot for a newly synchronised client.
func (f *Feed) SyncStateSnapshot() SyncState {
	f.mu.Lock()
	defer f.mu.Unlock()

	open := make([]OpenPostSnapshot, 0, len(f.openBodies))
	for id, body := range f.openBodies {
		open = append(open, OpenPostSnapshot{ID: id, Body: body})
	}
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })

	ips := make(map[string]struct{}, len(f.clients))
	for _, c := range f.clients {
		ips[c.IP()] = struct{}{}
	}

	return SyncState{
		OpenPosts: open,
		ActiveIPs: len(ips),
		Clients:   len(f.clients),
	}
}

// Destroy stops the flush tick, drains the buffer and clears all maps. Must
// be called before discarding the feed so no tick goroutine outlives it.
func (f *Feed) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.stopTickerLocked()
	f.buf.Clear()
	f.clients = make(map[string]*Client)
	f.openBodies = make(map[uint64]string)
	f.mu.Unlock()

	f.log.Debug("feed destroyed", zap.Uint64("thread_id", f.threadID))
}
