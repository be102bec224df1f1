// Package report records every tactic benchmark of a build and exports the
// table as an Arrow IPC stream for offline analysis.
package report

import (
	"io"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"

	"github.com/23skdu/quarrel-woq/internal/gemm"
)

// Row is one benchmarked (identity, m, tactic).
type Row struct {
	Shape       string
	N           int
	K           int
	ElementType string
	Precision   string
	M           int
	Tactic      []byte
	Description string
	LatencyNs   float64
	Error       string
	Selected    bool
}

var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "shape", Type: arrow.BinaryTypes.String},
	{Name: "n", Type: arrow.PrimitiveTypes.Int32},
	{Name: "k", Type: arrow.PrimitiveTypes.Int32},
	{Name: "element_type", Type: arrow.BinaryTypes.String},
	{Name: "precision", Type: arrow.BinaryTypes.String},
	{Name: "m", Type: arrow.PrimitiveTypes.Int32},
	{Name: "tactic", Type: arrow.BinaryTypes.Binary},
	{Name: "description", Type: arrow.BinaryTypes.String},
	{Name: "latency_ns", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "error", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "selected", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

// Collector gathers measurements from any number of profilers.
type Collector struct {
	mu    sync.Mutex
	shape string
	rows  []Row
}

func NewCollector() *Collector {
	return &Collector{}
}

// SetShape labels the rows observed from now on.
func (c *Collector) SetShape(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shape = name
}

// Observe has the signature of gemm.ProfilerConfig.Observer.
func (c *Collector) Observe(m gemm.Measurement) {
	r := Row{
		N:           m.Identity.N,
		K:           m.Identity.K,
		ElementType: m.Identity.ElementType.String(),
		Precision:   m.Precision.String(),
		M:           m.M,
		Tactic:      m.Tactic.Bytes(),
		Description: m.Description,
		LatencyNs:   m.LatencyNs,
	}
	if m.Err != nil {
		r.Error = m.Err.Error()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r.Shape = c.shape
	c.rows = append(c.rows, r)
}

// MarkSelected flags the rows of shape that benchmarked the winning tactics.
// Shapes sharing an identity keep separate rows, so each is marked on its own.
func (c *Collector) MarkSelected(shape string, precision gemm.WeightPrecision, results []gemm.ProfileResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, res := range results {
		for i := range c.rows {
			r := &c.rows[i]
			if r.Shape == shape && r.N == res.Identity.N && r.K == res.Identity.K && r.ElementType == res.Identity.ElementType.String() &&
				r.Precision == precision.String() && r.M == res.MBucket && string(r.Tactic) == string(res.Tactic.Bytes()) && r.Error == "" {
				r.Selected = true
			}
		}
	}
}

// MarkCache flags the rows of shape matching the entries of a profiled cache.
func (c *Collector) MarkCache(shape string, precision gemm.WeightPrecision, cache *gemm.TacticCache) {
	entries := cache.Entries()
	results := make([]gemm.ProfileResult, len(entries))
	for i, e := range entries {
		results[i] = gemm.ProfileResult{Identity: e.Identity, MBucket: e.MBucket, Tactic: e.Tactic}
	}
	c.MarkSelected(shape, precision, results)
}

// Rows returns a copy of the collected rows in observation order.
func (c *Collector) Rows() []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Row, len(c.rows))
	copy(out, c.rows)
	return out
}

// Selected returns the winning rows sorted by shape then m.
func Selected(rows []Row) []Row {
	var out []Row
	for _, r := range rows {
		if r.Selected {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Shape != out[j].Shape {
			return out[i].Shape < out[j].Shape
		}
		return out[i].M < out[j].M
	})
	return out
}

// Write encodes rows as one record batch in an Arrow IPC stream.
func Write(w io.Writer, rows []Row) error {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	shape := b.Field(0).(*array.StringBuilder)
	n := b.Field(1).(*array.Int32Builder)
	k := b.Field(2).(*array.Int32Builder)
	elem := b.Field(3).(*array.StringBuilder)
	precision := b.Field(4).(*array.StringBuilder)
	m := b.Field(5).(*array.Int32Builder)
	tactic := b.Field(6).(*array.BinaryBuilder)
	desc := b.Field(7).(*array.StringBuilder)
	latency := b.Field(8).(*array.Float64Builder)
	errCol := b.Field(9).(*array.StringBuilder)
	selected := b.Field(10).(*array.BooleanBuilder)

	for _, r := range rows {
		shape.Append(r.Shape)
		n.Append(int32(r.N))
		k.Append(int32(r.K))
		elem.Append(r.ElementType)
		precision.Append(r.Precision)
		m.Append(int32(r.M))
		tactic.Append(r.Tactic)
		desc.Append(r.Description)
		if r.Error != "" {
			latency.AppendNull()
			errCol.Append(r.Error)
		} else {
			latency.Append(r.LatencyNs)
			errCol.AppendNull()
		}
		selected.Append(r.Selected)
	}

	rec := b.NewRecord()
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		_ = iw.Close()
		return errors.Wrap(err, "write report batch")
	}
	return errors.Wrap(iw.Close(), "close report stream")
}

// Read decodes a stream produced by Write.
func Read(r io.Reader) ([]Row, error) {
	ir, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, errors.Wrap(err, "open report stream")
	}
	defer ir.Release()
	if !ir.Schema().Equal(Schema) {
		return nil, errors.Errorf("unexpected report schema %s", ir.Schema())
	}

	var rows []Row
	for ir.Next() {
		rec := ir.Record()
		shape := rec.Column(0).(*array.String)
		n := rec.Column(1).(*array.Int32)
		k := rec.Column(2).(*array.Int32)
		elem := rec.Column(3).(*array.String)
		precision := rec.Column(4).(*array.String)
		m := rec.Column(5).(*array.Int32)
		tactic := rec.Column(6).(*array.Binary)
		desc := rec.Column(7).(*array.String)
		latency := rec.Column(8).(*array.Float64)
		errCol := rec.Column(9).(*array.String)
		selected := rec.Column(10).(*array.Boolean)

		for i := 0; i < int(rec.NumRows()); i++ {
			row := Row{
				Shape:       shape.Value(i),
				N:           int(n.Value(i)),
				K:           int(k.Value(i)),
				ElementType: elem.Value(i),
				Precision:   precision.Value(i),
				M:           int(m.Value(i)),
				Tactic:      append([]byte(nil), tactic.Value(i)...),
				Description: desc.Value(i),
				Selected:    selected.Value(i),
			}
			if latency.IsValid(i) {
				row.LatencyNs = latency.Value(i)
			}
			if errCol.IsValid(i) {
				row.Error = errCol.Value(i)
			}
			rows = append(rows, row)
		}
	}
	if err := ir.Err(); err != nil {
		return nil, errors.Wrap(err, "read report stream")
	}
	return rows, nil
}
