package comm

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidRank: the peer is outside the world or the caller's group.
	ErrInvalidRank = errors.New("invalid rank")
	// ErrSizeMismatch: a received message does not have the expected length.
	ErrSizeMismatch = errors.New("message size mismatch")
	// ErrClosed: the endpoint was closed.
	ErrClosed = errors.New("communicator closed")
)

// Communicator moves raw bytes between ranks. Receive blocks until a message
// from fromRank arrives and fills buf, which must have exactly its length.
// Messages between one pair of ranks arrive in send order.
type Communicator interface {
	Rank() int
	Send(ctx context.Context, buf []byte, toRank int) error
	Receive(ctx context.Context, buf []byte, fromRank int) error
}

const mailboxDepth = 16

// mailbox queues inbound messages per source rank.
type mailbox struct {
	mu     sync.Mutex
	queues map[int]chan []byte
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{queues: make(map[int]chan []byte), done: make(chan struct{})}
}

func (m *mailbox) queue(from int) chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[from]
	if !ok {
		q = make(chan []byte, mailboxDepth)
		m.queues[from] = q
	}
	return q
}

func (m *mailbox) deliver(ctx context.Context, from int, msg []byte) error {
	select {
	case m.queue(from) <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mailbox) receive(ctx context.Context, from int, buf []byte) error {
	select {
	case msg := <-m.queue(from):
		if len(msg) != len(buf) {
			return errors.Wrapf(ErrSizeMismatch, "from rank %d: got %d bytes, want %d", from, len(msg), len(buf))
		}
		copy(buf, msg)
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}
