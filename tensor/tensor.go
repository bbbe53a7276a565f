// Package tensor wraps gorgonia.org/tensor with the naming, device
// tagging, and pinned-memory bookkeeping the rest of the engine shares
// across DataBlocks, trajectory buffers, replay buffer columns, and
// model inputs/outputs (see SPEC_FULL.md §5).
package tensor

import (
	"fmt"

	gotensor "gorgonia.org/tensor"
)

// Device tags where a Tensor's backing storage lives. The engine itself
// never dispatches compute by device; Slice carries the tag over, and
// no other package reads it.
type Device int

const (
	CPU Device = iota
	GPU
)

func (d Device) String() string {
	if d == GPU {
		return "gpu"
	}
	return "cpu"
}

// Tensor is a named gorgonia.org/tensor.Dense with a device tag and a
// pinned-memory flag. Slice carries Pinned over and Clone clears it;
// actor.Actor keeps its batch buffers as plain slices and does not
// consult it.
type Tensor struct {
	Name   string
	Device Device
	Pinned bool

	dense *gotensor.Dense
}

// New allocates a named float32 Tensor with the given shape, backed by
// a freshly zeroed slice, mirroring agogo.go's
// tensor.New(tensor.WithBacking(...), tensor.WithShape(...)) usage.
func New(name string, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Tensor{
		Name:  name,
		dense: gotensor.New(gotensor.WithShape(shape...), gotensor.WithBacking(make([]float32, n))),
	}
}

// NewFromBacking wraps an existing float32 slice without copying,
// matching agogo.go's prepareExamples, which builds one flat backing
// slice per column and hands each to tensor.New(WithBacking(...)).
func NewFromBacking(name string, backing []float32, shape ...int) *Tensor {
	return &Tensor{
		Name:  name,
		dense: gotensor.New(gotensor.WithShape(shape...), gotensor.WithBacking(backing)),
	}
}

// Dense exposes the underlying gorgonia tensor for graph construction.
func (t *Tensor) Dense() *gotensor.Dense { return t.dense }

// Shape returns the tensor's dimensions.
func (t *Tensor) Shape() []int {
	s := t.dense.Shape()
	out := make([]int, len(s))
	copy(out, s)
	return out
}

// Len returns the total element count.
func (t *Tensor) Len() int { return t.dense.Shape().TotalSize() }

// Data returns the flat float32 backing slice.
func (t *Tensor) Data() []float32 {
	return t.dense.Data().([]float32)
}

// Slice returns a new Tensor viewing rows [start, end) of the leading
// dimension, sharing the same backing array (a batch-of-N tensor
// sliced down to one example, as DataChannel's sliceTensorsForSend
// does for bounded-timeout partial batches).
func (t *Tensor) Slice(start, end int) (*Tensor, error) {
	shape := t.dense.Shape()
	if len(shape) == 0 {
		return nil, fmt.Errorf("tensor: cannot slice a scalar")
	}
	sliced, err := t.dense.Slice(gotensor.S(start, end))
	if err != nil {
		return nil, fmt.Errorf("tensor: slice [%d:%d) of %q: %w", start, end, t.Name, err)
	}
	dense, ok := sliced.(*gotensor.Dense)
	if !ok {
		return nil, fmt.Errorf("tensor: slice of %q did not yield a Dense", t.Name)
	}
	return &Tensor{Name: t.Name, Device: t.Device, Pinned: t.Pinned, dense: dense}, nil
}

// CopyRowInto copies src (a single example, flat) into row dst of t's
// leading dimension. Used to assemble a batch tensor one slot at a
// time as DataChannel's getSlot/markSlotFilled protocol fills it.
func (t *Tensor) CopyRowInto(row int, src []float32) error {
	shape := t.dense.Shape()
	if len(shape) == 0 {
		return fmt.Errorf("tensor: cannot write a row into a scalar")
	}
	rowLen := t.Len() / shape[0]
	if len(src) != rowLen {
		return fmt.Errorf("tensor: row length mismatch: have %d, want %d", len(src), rowLen)
	}
	data := t.Data()
	copy(data[row*rowLen:(row+1)*rowLen], src)
	return nil
}

// Zero clears the tensor's backing storage in place, letting a pinned
// Tensor be reused across batches without reallocating.
func (t *Tensor) Zero() {
	data := t.Data()
	for i := range data {
		data[i] = 0
	}
}

// Clone returns a deep copy, unpinned regardless of the source.
func (t *Tensor) Clone() *Tensor {
	src := t.Data()
	backing := make([]float32, len(src))
	copy(backing, src)
	return NewFromBacking(t.Name, backing, t.Shape()...)
}
