package feeds

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

// Action costs in spam points.
const (
	CostInsertPost    = 50
	CostAppend        = 1
	CostSplicePerChar = 2
)

// Score decay rate: one point per second, applied lazily on read and write.
const decayPerSecond = 1

// Entries with no activity for this long have fully decayed and are dropped
// by the cleanup sweep.
const staleAfter = 600 * time.Second

// SpamScorer tracks a decaying abuse-cost score per source address. Posting
// actions add points; once the score crosses the threshold the client must
// pass heavier verification before creating posts.
type SpamScorer struct {
	threshold int
	clk       clock.Clock

	mu     sync.Mutex
	scores map[uint64]spamEntry

	ticker   *clock.Ticker
	tickStop chan struct{}
}

type spamEntry struct {
	score int
	last  time.Time
}

// NewSpamScorer creates a scorer with the given verification threshold.
func NewSpamScorer(threshold int, clk clock.Clock) *SpamScorer {
	return &SpamScorer{
		threshold: threshold,
		clk:       clk,
		scores:    make(map[uint64]spamEntry),
	}
}

func hashIP(ip string) uint64 {
	return xxhash.Sum64String(ip)
}

// Record adds cost for an address and returns the new decayed score.
func (s *SpamScorer) Record(ip string, cost int) int {
	now := s.clk.Now()
	key := hashIP(ip)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.scores[key]
	if !ok {
		s.scores[key] = spamEntry{score: cost, last: now}
		return cost
	}

	score := decayed(entry, now) + cost
	s.scores[key] = spamEntry{score: score, last: now}
	return score
}

// Score returns the current decayed score for an address, never negative.
func (s *SpamScorer) Score(ip string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.scores[hashIP(ip)]
	if !ok {
		return 0
	}
	return decayed(entry, s.clk.Now())
}

// RequiresCaptcha reports whether an address has crossed the threshold.
func (s *SpamScorer) RequiresCaptcha(ip string) bool {
	return s.Score(ip) >= s.threshold
}

// Reset clears an address's score, e.g. after verification succeeds.
func (s *SpamScorer) Reset(ip string) {
	s.mu.Lock()
	delete(s.scores, hashIP(ip))
	s.mu.Unlock()
}

// TrackedCount returns the number of addresses currently tracked.
func (s *SpamScorer) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scores)
}

func decayed(e spamEntry, now time.Time) int {
	elapsed := int(now.Sub(e.last) / time.Second)
	score := e.score - elapsed*decayPerSecond
	if score < 0 {
		return 0
	}
	return score
}

// Start launches the periodic stale-entry cleanup.
func (s *SpamScorer) Start(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return
	}
	t := s.clk.Ticker(interval)
	stop := make(chan struct{})
	s.ticker = t
	s.tickStop = stop

	go func() {
		for {
			select {
			case <-t.C:
				s.cleanup()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the cleanup sweep.
func (s *SpamScorer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	close(s.tickStop)
	s.tickStop = nil
}

// cleanup drops entries inactive long enough to have fully decayed.
func (s *SpamScorer) cleanup() {
	now := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.scores {
		if now.Sub(entry.last) >= staleAfter {
			delete(s.scores, key)
		}
	}
}
