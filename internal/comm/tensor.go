package comm

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/23skdu/quarrel-woq/internal/logger"
	"github.com/23skdu/quarrel-woq/internal/metrics"
)

// maxBroadcastBytes bounds the length header a receiver will trust.
const maxBroadcastBytes = 1 << 30

// TensorParallelComm shares data between the ranks of one pipeline stage.
// Tensor parallel rank 0 is the root of every broadcast.
type TensorParallelComm struct {
	world WorldConfig
	group []int
	comm  Communicator
	log   *logger.Logger
}

func NewTensorParallelComm(world WorldConfig, c Communicator) (*TensorParallelComm, error) {
	if err := world.Validate(world.Size()); err != nil {
		return nil, err
	}
	if c.Rank() != world.Rank {
		return nil, errors.Wrapf(ErrInvalidRank, "communicator rank %d, world rank %d", c.Rank(), world.Rank)
	}
	return &TensorParallelComm{
		world: world,
		group: world.TensorParallelGroup(),
		comm:  c,
		log:   logger.Log.With("tensor_parallel").WithField("rank", world.Rank),
	}, nil
}

func (t *TensorParallelComm) World() WorldConfig { return t.world }

// IsRoot reports whether this rank originates broadcasts.
func (t *TensorParallelComm) IsRoot() bool { return t.world.TensorParallelRank() == 0 }

// Broadcast sends payload from the root to every other rank of the group and
// returns it on all of them. Non-root ranks ignore their payload argument.
// Each message is an 8 byte little-endian length followed by the bytes.
func (t *TensorParallelComm) Broadcast(ctx context.Context, payload []byte) ([]byte, error) {
	root := t.group[0]
	var header [8]byte
	if !t.IsRoot() {
		if err := t.comm.Receive(ctx, header[:], root); err != nil {
			return nil, errors.Wrapf(err, "receive broadcast header from rank %d", root)
		}
		n := binary.LittleEndian.Uint64(header[:])
		if n > maxBroadcastBytes {
			return nil, errors.Wrapf(ErrSizeMismatch, "broadcast of %d bytes from rank %d", n, root)
		}
		out := make([]byte, n)
		if n > 0 {
			if err := t.comm.Receive(ctx, out, root); err != nil {
				return nil, errors.Wrapf(err, "receive %d broadcast bytes from rank %d", n, root)
			}
		}
		metrics.RecordCollectiveBytes("recv", len(out))
		t.log.Debug("broadcast received", "root", root, "bytes", len(out))
		return out, nil
	}

	if len(payload) > maxBroadcastBytes {
		return nil, errors.Wrapf(ErrSizeMismatch, "broadcast of %d bytes exceeds %d", len(payload), maxBroadcastBytes)
	}
	binary.LittleEndian.PutUint64(header[:], uint64(len(payload)))
	for _, peer := range t.group[1:] {
		if err := t.comm.Send(ctx, header[:], peer); err != nil {
			return nil, errors.Wrapf(err, "send broadcast header to rank %d", peer)
		}
		if len(payload) > 0 {
			if err := t.comm.Send(ctx, payload, peer); err != nil {
				return nil, errors.Wrapf(err, "send %d broadcast bytes to rank %d", len(payload), peer)
			}
		}
		metrics.RecordCollectiveBytes("send", len(payload))
	}
	t.log.Debug("broadcast sent", "peers", len(t.group)-1, "bytes", len(payload))
	return payload, nil
}
