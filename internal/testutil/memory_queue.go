package testutil

import (
	"context"
	"sync"
)

// QueuedMessage is one message accepted by MemoryQueue.
type QueuedMessage struct {
	Queue string
	JobID string
	Body  []byte
}

// MemoryQueue is an in-memory broker that deduplicates by job id per queue,
// mirroring the broker contract the dispatcher relies on.
type MemoryQueue struct {
	mu       sync.Mutex
	messages []QueuedMessage
	seen     map[string]bool
	adds     int
	err      error
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{seen: make(map[string]bool)}
}

// Add accepts a message unless the same job id was already accepted on that queue.
func (q *MemoryQueue) Add(_ context.Context, queueName, jobID string, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.adds++
	key := queueName + "|" + jobID
	if q.seen[key] {
		return nil
	}
	q.seen[key] = true
	q.messages = append(q.messages, QueuedMessage{Queue: queueName, JobID: jobID, Body: append([]byte(nil), body...)})
	return nil
}

// SetError makes Add fail with err until cleared with nil.
func (q *MemoryQueue) SetError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

// Messages returns a copy of every accepted message.
func (q *MemoryQueue) Messages() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, len(q.messages))
	copy(out, q.messages)
	return out
}

// MessagesFor returns accepted messages for one queue.
func (q *MemoryQueue) MessagesFor(queueName string) []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []QueuedMessage
	for _, m := range q.messages {
		if m.Queue == queueName {
			out = append(out, m)
		}
	}
	return out
}

// AddCount returns the number of Add calls that reached the broker.
func (q *MemoryQueue) AddCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.adds
}
