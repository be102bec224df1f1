package comm

import (
	"context"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/quarrel-woq/internal/logger"
)

// p2pSchema is the record layout of one point-to-point message.
var p2pSchema = arrow.NewSchema([]arrow.Field{
	{Name: "src", Type: arrow.PrimitiveTypes.Int32},
	{Name: "payload", Type: arrow.BinaryTypes.Binary},
}, nil)

var p2pPath = []string{"woq", "p2p"}

// FlightTransport is a Communicator between processes. Each rank serves an
// Arrow Flight endpoint; Send is a DoPut of one record to the peer, whose
// server queues the payload in a mailbox keyed by the sender's rank.
type FlightTransport struct {
	rank  int
	peers map[int]string
	mem   memory.Allocator
	log   *logger.Logger

	box    *mailbox
	server flight.Server

	mu      sync.Mutex
	clients map[int]flight.Client
	closed  bool
}

// NewFlightTransport starts serving on listenAddr ("host:0" picks a port).
// Peers are added with SetPeer once their addresses are known.
func NewFlightTransport(rank int, listenAddr string) (*FlightTransport, error) {
	t := &FlightTransport{
		rank:    rank,
		peers:   make(map[int]string),
		mem:     memory.NewGoAllocator(),
		log:     logger.Log.With("flight").WithField("rank", rank),
		box:     newMailbox(),
		clients: make(map[int]flight.Client),
	}

	t.server = flight.NewServerWithMiddleware(nil)
	if err := t.server.Init(listenAddr); err != nil {
		return nil, errors.Wrapf(err, "listen on %s", listenAddr)
	}
	t.server.RegisterFlightService(&p2pService{box: t.box, log: t.log})
	go func() {
		if err := t.server.Serve(); err != nil {
			t.log.Error("flight server stopped", err)
		}
	}()
	t.log.Info("flight transport listening", "addr", t.Addr())
	return t, nil
}

func (t *FlightTransport) Rank() int { return t.rank }

// Addr is the address peers dial.
func (t *FlightTransport) Addr() string {
	return t.server.Addr().String()
}

func (t *FlightTransport) SetPeer(rank int, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[rank] = addr
}

func (t *FlightTransport) client(rank int) (flight.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if c, ok := t.clients[rank]; ok {
		return c, nil
	}
	addr, ok := t.peers[rank]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidRank, "no address for rank %d", rank)
	}
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "dial rank %d at %s", rank, addr)
	}
	t.clients[rank] = c
	return c, nil
}

// Send returns once the peer has queued the message.
func (t *FlightTransport) Send(ctx context.Context, buf []byte, toRank int) error {
	c, err := t.client(toRank)
	if err != nil {
		return err
	}

	b := array.NewRecordBuilder(t.mem, p2pSchema)
	defer b.Release()
	b.Field(0).(*array.Int32Builder).Append(int32(t.rank))
	b.Field(1).(*array.BinaryBuilder).Append(buf)
	rec := b.NewRecord()
	defer rec.Release()

	stream, err := c.DoPut(ctx)
	if err != nil {
		return errors.Wrapf(err, "open put stream to rank %d", toRank)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(p2pSchema), ipc.WithAllocator(t.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: p2pPath})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "write to rank %d", toRank)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "flush to rank %d", toRank)
	}
	if err := stream.CloseSend(); err != nil {
		return errors.Wrapf(err, "close put stream to rank %d", toRank)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrapf(err, "ack from rank %d", toRank)
		}
	}
}

func (t *FlightTransport) Receive(ctx context.Context, buf []byte, fromRank int) error {
	return t.box.receive(ctx, fromRank, buf)
}

func (t *FlightTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	clients := t.clients
	t.clients = nil
	t.mu.Unlock()

	var firstErr error
	for _, c := range clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.box.close()
	t.server.Shutdown()
	return firstErr
}

type p2pService struct {
	flight.BaseFlightServer
	box *mailbox
	log *logger.Logger
}

func (s *p2pService) DoPut(stream flight.FlightService_DoPutServer) error {
	r, err := flight.NewRecordReader(stream)
	if err != nil {
		return errors.Wrap(err, "read put stream")
	}
	defer r.Release()

	if !r.Schema().Equal(p2pSchema) {
		return errors.Errorf("unexpected schema %s", r.Schema())
	}
	for r.Next() {
		rec := r.Record()
		src := rec.Column(0).(*array.Int32)
		payload := rec.Column(1).(*array.Binary)
		for i := 0; i < int(rec.NumRows()); i++ {
			msg := append([]byte(nil), payload.Value(i)...)
			if err := s.box.deliver(stream.Context(), int(src.Value(i)), msg); err != nil {
				return err
			}
			s.log.Debug("message queued", "from", src.Value(i), "bytes", len(msg))
		}
	}
	if err := r.Err(); err != nil && err != io.EOF {
		return errors.Wrap(err, "decode put stream")
	}
	return stream.Send(&flight.PutResult{})
}
