package livefeed

import (
	"context"
	"fmt"
)

// PostStore is the external collaborator that owns persistent post state.
// The gateway calls it to allocate an in-progress post, finalize it, or
// restore one after a disconnect. Implementations must bound their own
// latency: a stalled call blocks the calling connection's read loop.
//
// All three operations may fail; failures are surfaced as errors and relayed
// to the client, never treated as fatal for the connection.
type PostStore interface {
	// Allocate creates an open post in the given thread and returns its id.
	Allocate(ctx context.Context, board string, thread uint64, name, password string) (Allocated, error)

	// Close finalizes an open post and returns its rendered HTML.
	Close(ctx context.Context, postID uint64) (Closed, error)

	// Reclaim restores ownership of an open post, authenticated by the
	// password issued at allocation time.
	Reclaim(ctx context.Context, postID uint64, password string) (Reclaimed, error)
}

// Allocated is the result of PostStore.Allocate.
type Allocated struct {
	PostID      uint64 `json:"post_id"`
	BoardPostNo uint64 `json:"board_post_no"`
}

// Closed is the result of PostStore.Close.
type Closed struct {
	ContentHTML string `json:"content_html"`
}

// Reclaimed is the result of PostStore.Reclaim.
type Reclaimed struct {
	PostID   uint64 `json:"post_id"`
	ThreadID uint64 `json:"thread_id"`
	Body     string `json:"body"`
}

// StoreError is a failure reported by the post store itself, as opposed to a
// transport failure reaching it. Its message is safe to relay to the client.
type StoreError struct {
	Status  int
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("post store: %s (status %d)", e.Message, e.Status)
}
