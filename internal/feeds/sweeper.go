package feeds

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ashchan/livefeed"
	"github.com/ashchan/livefeed/internal/protocol"
)

// Sweeper is the periodic janitor over the registry. Each sweep force-closes
// open posts past their lifetime ceiling through the post store and evicts
// feeds with no subscribers past the idle threshold.
//
// Both duties are best-effort: a store failure is logged and local state is
// still cleared, so a post can never stay "editing" past its deadline.
type Sweeper struct {
	registry *Registry
	scorer   *SpamScorer
	store    livefeed.PostStore
	log      *zap.Logger
	clk      clock.Clock

	interval      time.Duration
	idleThreshold time.Duration
	storeTimeout  time.Duration

	ticker   *clock.Ticker
	tickStop chan struct{}
}

// NewSweeper creates a sweeper over the registry. scorer may be nil.
func NewSweeper(registry *Registry, scorer *SpamScorer, store livefeed.PostStore, interval, idleThreshold, storeTimeout time.Duration, clk clock.Clock, log *zap.Logger) *Sweeper {
	return &Sweeper{
		registry:      registry,
		scorer:        scorer,
		store:         store,
		log:           log,
		clk:           clk,
		interval:      interval,
		idleThreshold: idleThreshold,
		storeTimeout:  storeTimeout,
	}
}

// Start launches the periodic sweep.
func (s *Sweeper) Start() {
	if s.ticker != nil {
		return
	}
	t := s.clk.Ticker(s.interval)
	stop := make(chan struct{})
	s.ticker = t
	s.tickStop = stop

	go func() {
		for {
			select {
			case <-t.C:
				s.Sweep(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the sweep.
func (s *Sweeper) Stop() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	close(s.tickStop)
	s.tickStop = nil
}

// Sweep runs one pass: expired open posts first, idle feeds second.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clk.Now()
	closed, evicted := 0, 0

	for _, feed := range s.registry.Feeds() {
		for _, c := range feed.Clients() {
			p := c.OpenPost()
			if p == nil || !p.IsExpired() {
				continue
			}
			s.forceClose(ctx, feed, c)
			closed++
		}
	}

	for _, feed := range s.registry.Feeds() {
		idle := feed.IdleSince()
		if !idle.IsZero() && now.Sub(idle) >= s.idleThreshold {
			s.registry.Remove(feed.ThreadID())
			evicted++
		}
	}

	if s.scorer != nil && s.registry.metrics != nil {
		s.registry.metrics.TrackedIPs.Set(float64(s.scorer.TrackedCount()))
	}

	if closed > 0 || evicted > 0 {
		s.log.Info("sweep completed",
			zap.Int("posts_closed", closed),
			zap.Int("feeds_evicted", evicted),
			zap.Int("feeds_remaining", s.registry.FeedCount()))
	}
}

// forceClose finalizes an expired open post server-side, with the same
// effect as a client-initiated close.
func (s *Sweeper) forceClose(ctx context.Context, feed *Feed, c *Client) {
	p := c.ClearOpenPost()
	if p == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	res, err := s.store.Close(callCtx, p.ID)
	cancel()
	if err != nil {
		s.log.Warn("force-close store call failed",
			zap.Uint64("post_id", p.ID),
			zap.Error(err))
	}

	msg, err := protocol.EncodeText(livefeed.TextClosePost, map[string]any{
		"id":           p.ID,
		"content_html": res.ContentHTML,
	})
	if err == nil {
		feed.QueueText(msg)
	}
	feed.RemoveOpenBody(p.ID)

	s.log.Info("post force-closed on expiry",
		zap.Uint64("post_id", p.ID),
		zap.Uint64("thread_id", p.ThreadID))
}
