package replay

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

type key struct {
	name   string
	rowLen int
}

// slotEntries is one logical sample: one Entry per registered key, in
// key order.
type slotEntries []Entry

// Buffer is the lock-free circular replay store. Every slot holds an
// atomic pointer to a slotEntries; Add swaps a new one in, Sample
// borrows one out (swap-to-nil), decompresses it, and swaps it back
// unless another writer already replaced it meanwhile. Grounded
// directly on ReplayBuffer2::add/sampleImpl.
type Buffer struct {
	capacity int

	keyMu   sync.Mutex
	hasKeys bool
	keys    []key

	slots []atomic.Pointer[slotEntries]

	numAdd    int64
	numSample int64

	sampleMu         sync.Mutex
	sampleOrder      []int
	sampleOrderIndex int
	rng              *rand.Rand

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// New returns an empty Buffer of the given capacity, seeded for
// deterministic without-replacement sampling.
func New(capacity int, seed int64) (*Buffer, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "replay: create zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "replay: create zstd decoder")
	}
	return &Buffer{
		capacity: capacity,
		slots:    make([]atomic.Pointer[slotEntries], capacity),
		rng:      rand.New(rand.NewSource(seed)),
		enc:      enc,
		dec:      dec,
	}, nil
}

// Capacity returns the fixed slot count C.
func (b *Buffer) Capacity() int { return b.capacity }

// Size returns the current number of live samples, capped at capacity.
func (b *Buffer) Size() int {
	n := atomic.LoadInt64(&b.numAdd)
	if n > int64(b.capacity) {
		return b.capacity
	}
	return int(n)
}

// Full reports whether every slot has been written at least once.
func (b *Buffer) Full() bool { return b.Size() == b.capacity }

// NumAdd and NumSample are monotonic atomic counters, consistent
// snapshots for observability per spec.md §5.
func (b *Buffer) NumAdd() int64    { return atomic.LoadInt64(&b.numAdd) }
func (b *Buffer) NumSample() int64 { return atomic.LoadInt64(&b.numSample) }

// Add appends n rows, one slot each, taken from batch's columns (each
// a flat []float32 of n rows concatenated). The first Add call fixes
// the buffer's key set and per-row length; later calls must supply
// exactly the same keys. Slot index is numAdd mod capacity;
// overwriting an existing slot discards the entry it held.
func (b *Buffer) Add(batch map[string][]float32, n int) error {
	if len(batch) == 0 || n == 0 {
		return nil
	}
	if !b.hasKeys {
		b.keyMu.Lock()
		if len(b.keys) == 0 {
			for name, data := range batch {
				b.keys = append(b.keys, key{name: name, rowLen: len(data) / n})
			}
			b.hasKeys = true
		}
		b.keyMu.Unlock()
	}
	if len(batch) != len(b.keys) {
		return fmt.Errorf("replay: add: got %d keys, buffer has %d", len(batch), len(b.keys))
	}

	for i := 0; i < n; i++ {
		entries := make(slotEntries, len(b.keys))
		for idx, k := range b.keys {
			data, ok := batch[k.name]
			if !ok {
				return fmt.Errorf("replay: add: missing key %q", k.name)
			}
			row := data[i*k.rowLen : (i+1)*k.rowLen]
			raw := float32sToBytes(row)
			entries[idx] = Entry{Compressed: b.enc.EncodeAll(raw, nil), OrigLen: len(raw)}
		}
		slot := atomic.AddInt64(&b.numAdd, 1) - 1
		b.slots[int(slot)%b.capacity].Store(&entries)
	}
	return nil
}

// Sample draws sampleSize rows without replacement from a shuffled
// permutation of the currently occupied slots, reshuffling once
// exhausted (ReplayBuffer2's sampleOrder/sampleOrderIndex). Returns one
// flat []float32 per key, sampleSize rows concatenated.
func (b *Buffer) Sample(sampleSize int) (map[string][]float32, error) {
	if !b.hasKeys {
		return nil, fmt.Errorf("replay: sample: buffer has no keys yet")
	}
	size := b.Size()
	if sampleSize > size {
		return nil, fmt.Errorf("replay: sample: sampleSize %d > buffer size %d", sampleSize, size)
	}

	result := make(map[string][]float32, len(b.keys))
	for _, k := range b.keys {
		result[k.name] = make([]float32, 0, sampleSize*k.rowLen)
	}

	copyOne := func(srcIndex int) int {
		ptr := b.slots[srcIndex].Swap(nil)
		if ptr == nil {
			return 0
		}
		entries := *ptr
		for idx, k := range b.keys {
			e := entries[idx]
			raw, err := b.dec.DecodeAll(e.Compressed, make([]byte, 0, e.OrigLen))
			if err != nil {
				// A decode failure here means corrupt/short-written data;
				// the entry is dropped rather than panicking the whole buffer.
				continue
			}
			result[k.name] = append(result[k.name], bytesToFloat32s(raw)...)
		}
		if !b.slots[srcIndex].CompareAndSwap(nil, ptr) {
			// Another writer replaced this slot while we held it; our copy
			// stands, the new value stays in place.
		}
		return 1
	}

	copied := 0
	for copied != sampleSize {
		var indices []int
		b.sampleMu.Lock()
		for copied+len(indices) != sampleSize {
			if b.sampleOrderIndex >= len(b.sampleOrder) {
				prev := len(b.sampleOrder)
				if prev != size {
					b.sampleOrder = append(b.sampleOrder, make([]int, size-prev)...)
					for i := prev; i < size; i++ {
						b.sampleOrder[i] = i
					}
				}
				b.rng.Shuffle(len(b.sampleOrder), func(i, j int) {
					b.sampleOrder[i], b.sampleOrder[j] = b.sampleOrder[j], b.sampleOrder[i]
				})
				b.sampleOrderIndex = 0
			}
			indices = append(indices, b.sampleOrder[b.sampleOrderIndex])
			b.sampleOrderIndex++
		}
		b.sampleMu.Unlock()
		for _, idx := range indices {
			copied += copyOne(idx)
		}
	}

	atomic.AddInt64(&b.numSample, int64(sampleSize))
	return result, nil
}
