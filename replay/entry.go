// Package replay implements the lock-free, zstd-compressed circular
// sample store spec.md §3/§4.3 calls ReplayBuffer, grounded on
// original_source/torchRL/tube/src_cpp/replay_buffer.cc's
// ReplayBuffer2 (the only variant implemented, per spec.md §9).
package replay

import (
	"encoding/binary"
	"math"
)

// Entry is one compressed column value: the zstd-compressed bytes plus
// the original (decompressed) byte length needed to size the
// destination buffer before calling Decode. Mirrors ReplayBuffer2's
// BufferEntry{datasize, data}.
type Entry struct {
	Compressed []byte
	OrigLen    int
}

func float32sToBytes(row []float32) []byte {
	buf := make([]byte, 4*len(row))
	for i, v := range row {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToFloat32s(buf []byte) []float32 {
	row := make([]float32, len(buf)/4)
	for i := range row {
		row[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return row
}
