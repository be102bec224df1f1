package comm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/23skdu/quarrel-woq/internal/logger"
	"github.com/23skdu/quarrel-woq/internal/metrics"
)

// PipelineComm sends activations between the stages of one pipeline. Peers
// are addressed by pipeline rank; the communicator below uses global ranks.
type PipelineComm struct {
	world WorldConfig
	group []int
	comm  Communicator
	log   *logger.Logger
}

func NewPipelineComm(world WorldConfig, c Communicator) (*PipelineComm, error) {
	if err := world.Validate(world.Size()); err != nil {
		return nil, err
	}
	if c.Rank() != world.Rank {
		return nil, errors.Wrapf(ErrInvalidRank, "communicator rank %d, world rank %d", c.Rank(), world.Rank)
	}
	return &PipelineComm{
		world: world,
		group: world.PipelineParallelGroup(),
		comm:  c,
		log:   logger.Log.With("pipeline").WithField("rank", world.Rank),
	}, nil
}

func (p *PipelineComm) World() WorldConfig { return p.world }

// Group is the global ranks of this pipeline, indexed by stage.
func (p *PipelineComm) Group() []int {
	out := make([]int, len(p.group))
	copy(out, p.group)
	return out
}

func (p *PipelineComm) peer(ppRank int) (int, error) {
	if ppRank < 0 || ppRank >= len(p.group) {
		return 0, errors.Wrapf(ErrInvalidRank, "pipeline rank %d of %d", ppRank, len(p.group))
	}
	if ppRank == p.world.PipelineParallelRank() {
		return 0, errors.Wrapf(ErrInvalidRank, "pipeline rank %d is this rank", ppRank)
	}
	return p.group[ppRank], nil
}

// Send transfers buf to the stage ppRank.
func (p *PipelineComm) Send(ctx context.Context, buf []byte, ppRank int) error {
	to, err := p.peer(ppRank)
	if err != nil {
		return err
	}
	if err := p.comm.Send(ctx, buf, to); err != nil {
		return errors.Wrapf(err, "send %d bytes to stage %d", len(buf), ppRank)
	}
	metrics.RecordCollectiveBytes("send", len(buf))
	p.log.Debug("sent", "stage", ppRank, "bytes", len(buf))
	return nil
}

// Receive fills buf with exactly len(buf) bytes from the stage ppRank.
func (p *PipelineComm) Receive(ctx context.Context, buf []byte, ppRank int) error {
	from, err := p.peer(ppRank)
	if err != nil {
		return err
	}
	if err := p.comm.Receive(ctx, buf, from); err != nil {
		return errors.Wrapf(err, "receive %d bytes from stage %d", len(buf), ppRank)
	}
	metrics.RecordCollectiveBytes("recv", len(buf))
	p.log.Debug("received", "stage", ppRank, "bytes", len(buf))
	return nil
}

// SendNext sends to the following stage; the last stage has none.
func (p *PipelineComm) SendNext(ctx context.Context, buf []byte) error {
	if p.world.IsLastPipelineParallelRank() {
		return errors.Wrap(ErrInvalidRank, "last stage has no next stage")
	}
	return p.Send(ctx, buf, p.world.PipelineParallelRank()+1)
}

// ReceivePrev receives from the preceding stage; the first stage has none.
func (p *PipelineComm) ReceivePrev(ctx context.Context, buf []byte) error {
	if p.world.IsFirstPipelineParallelRank() {
		return errors.Wrap(ErrInvalidRank, "first stage has no previous stage")
	}
	return p.Receive(ctx, buf, p.world.PipelineParallelRank()-1)
}
