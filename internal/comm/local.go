package comm

import (
	"context"

	"github.com/pkg/errors"
)

// LocalHub connects ranks of one process through in-memory mailboxes.
type LocalHub struct {
	boxes []*mailbox
}

func NewLocalHub(worldSize int) *LocalHub {
	h := &LocalHub{boxes: make([]*mailbox, worldSize)}
	for i := range h.boxes {
		h.boxes[i] = newMailbox()
	}
	return h
}

// Endpoint returns the communicator of rank.
func (h *LocalHub) Endpoint(rank int) (Communicator, error) {
	if rank < 0 || rank >= len(h.boxes) {
		return nil, errors.Wrapf(ErrInvalidRank, "rank %d of %d", rank, len(h.boxes))
	}
	return &localEndpoint{hub: h, rank: rank}, nil
}

func (h *LocalHub) Close() {
	for _, b := range h.boxes {
		b.close()
	}
}

type localEndpoint struct {
	hub  *LocalHub
	rank int
}

func (e *localEndpoint) Rank() int { return e.rank }

func (e *localEndpoint) Send(ctx context.Context, buf []byte, toRank int) error {
	if toRank < 0 || toRank >= len(e.hub.boxes) {
		return errors.Wrapf(ErrInvalidRank, "send to rank %d of %d", toRank, len(e.hub.boxes))
	}
	msg := make([]byte, len(buf))
	copy(msg, buf)
	return e.hub.boxes[toRank].deliver(ctx, e.rank, msg)
}

func (e *localEndpoint) Receive(ctx context.Context, buf []byte, fromRank int) error {
	if fromRank < 0 || fromRank >= len(e.hub.boxes) {
		return errors.Wrapf(ErrInvalidRank, "receive from rank %d of %d", fromRank, len(e.hub.boxes))
	}
	return e.hub.boxes[e.rank].receive(ctx, fromRank, buf)
}
