package feeds

import "sync"

// MessageBuffer accumulates outbound text messages for one feed between
// flush ticks. Binary keystroke frames never pass through here; they are
// broadcast immediately.
type MessageBuffer struct {
	mu       sync.Mutex
	messages []string
}

// Push enqueues a message for the next batched flush.
func (b *MessageBuffer) Push(msg string) {
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
}

// Len returns the number of pending messages.
func (b *MessageBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// IsEmpty reports whether there are no pending messages.
func (b *MessageBuffer) IsEmpty() bool {
	return b.Len() == 0
}

// Drain removes and returns all pending messages in enqueue order. The
// buffer is always drained whole, never partially.
func (b *MessageBuffer) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.messages
	b.messages = nil
	return msgs
}

// Clear discards all pending messages. Used during feed destruction.
func (b *MessageBuffer) Clear() {
	b.mu.Lock()
	b.messages = nil
	b.mu.Unlock()
}
