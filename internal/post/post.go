// Package post holds the volatile state of an open post: a post being
// actively typed by its author before finalization. The body exists only
// here until the post is closed through the store.
package post

import (
	"errors"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// Ceilings for a single open post. Mutations that would cross one are
// rejected whole; the body is never left partially applied.
const (
	MaxBodyChars = 2000
	MaxLines     = 100

	// MaxLifetime is how long a post may stay open before the sweeper
	// force-closes it.
	MaxLifetime = 900 * time.Second
)

var (
	// ErrBodyFull reports the 2000 code-point ceiling.
	ErrBodyFull = errors.New("post: body at character limit")

	// ErrTooManyLines reports the 100 newline ceiling.
	ErrTooManyLines = errors.New("post: body at line limit")

	// ErrBodyEmpty reports a backspace on an empty body.
	ErrBodyEmpty = errors.New("post: body is empty")
)

// OpenPost is an in-progress post owned by exactly one connection.
//
// The body is kept as runes so edits operate on code points, matching what
// clients count. charCount always equals len(body) and lineCount its newline
// count; the three edit operations are the only mutation paths and each is
// all-or-nothing.
type OpenPost struct {
	ID       uint64
	ThreadID uint64
	Board    string

	// ReclaimSecret authenticates a Reclaim after a disconnect. The store
	// owns hashing and verification; the gateway only carries it.
	ReclaimSecret string

	body      []rune
	lineCount int
	createdAt time.Time
	clk       clock.Clock
}

// New allocates open-post state created now.
func New(id, threadID uint64, board, reclaimSecret string, clk clock.Clock) *OpenPost {
	return &OpenPost{
		ID:            id,
		ThreadID:      threadID,
		Board:         board,
		ReclaimSecret: reclaimSecret,
		createdAt:     clk.Now(),
		clk:           clk,
	}
}

// Body returns the current body text.
func (p *OpenPost) Body() string { return string(p.body) }

// CharCount returns the body length in code points.
func (p *OpenPost) CharCount() int { return len(p.body) }

// LineCount returns the number of newlines in the body.
func (p *OpenPost) LineCount() int { return p.lineCount }

// IsExpired reports whether the post has outlived MaxLifetime. Pure in the
// creation time and the clock reading.
func (p *OpenPost) IsExpired() bool {
	return p.clk.Now().Sub(p.createdAt) >= MaxLifetime
}

// Append adds one character to the body. Fails without mutation when the
// body is at the character ceiling, or the character is a newline and the
// line ceiling is reached.
func (p *OpenPost) Append(r rune) error {
	if len(p.body) >= MaxBodyChars {
		return ErrBodyFull
	}
	if r == '\n' {
		if p.lineCount >= MaxLines {
			return ErrTooManyLines
		}
		p.lineCount++
	}
	p.body = append(p.body, r)
	return nil
}

// Backspace removes the last code point. Fails when the body is empty.
func (p *OpenPost) Backspace() error {
	if len(p.body) == 0 {
		return ErrBodyEmpty
	}
	last := p.body[len(p.body)-1]
	p.body = p.body[:len(p.body)-1]
	if last == '\n' {
		p.lineCount--
	}
	return nil
}

// Splice removes deleteCount code points at start and inserts text in their
// place. Out-of-range start and deleteCount are clamped to the body. The
// whole operation is rejected, body untouched, when the resulting char or
// line count would exceed a ceiling.
func (p *OpenPost) Splice(start, deleteCount int, text string) error {
	if start < 0 {
		start = 0
	}
	if start > len(p.body) {
		start = len(p.body)
	}
	end := start + deleteCount
	if end > len(p.body) {
		end = len(p.body)
	}

	insert := []rune(text)
	newLen := len(p.body) - (end - start) + len(insert)
	if newLen > MaxBodyChars {
		return ErrBodyFull
	}

	next := make([]rune, 0, newLen)
	next = append(next, p.body[:start]...)
	next = append(next, insert...)
	next = append(next, p.body[end:]...)

	lines := strings.Count(string(next), "\n")
	if lines > MaxLines {
		return ErrTooManyLines
	}

	p.body = next
	p.lineCount = lines
	return nil
}

// RestoreBody replaces the body wholesale and recomputes the counters. Used
// when a post is reclaimed and the store returns its persisted body.
func (p *OpenPost) RestoreBody(body string) {
	p.body = []rune(body)
	p.lineCount = strings.Count(body, "\n")
}
