package tube

// DataBlock describes one named tensor column carried by a DataChannel
// batch: a network input, a policy/value output, or a trajectory field.
// Grounded on original_source/torchRL/tube/src_cpp/data_block.h, which
// wraps a torch::Tensor with a name and per-example sizes; this module
// is float32-only (see tensor.Tensor), so there is no separate dtype
// field to carry.
type DataBlock struct {
	Name  string
	Sizes []int
}

// NewDataBlock constructs a DataBlock for a per-example shape, e.g.
// NewDataBlock("s", 4, 8, 8) for a 4x8x8 feature plane.
func NewDataBlock(name string, sizes ...int) DataBlock {
	s := make([]int, len(sizes))
	copy(s, sizes)
	return DataBlock{Name: name, Sizes: s}
}

func (b DataBlock) elemCount() int {
	n := 1
	for _, s := range b.Sizes {
		n *= s
	}
	return n
}
