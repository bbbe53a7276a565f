package replay

import (
	"encoding/binary"
	"io"
	"math/rand"
	"sync/atomic"

	"github.com/pkg/errors"
)

// snapshot byte layout, per spec.md §6:
//   capacity i32, size i32, next_idx i32,
//   rng_state_len u32, rng_state_bytes,
//   sample_order_len u32, sample_order_index u32, sample_order[i32 * len],
//   n_keys u32, {key_name_len u32, key_name, row_len u32,
//                column_len u32, column_bytes}[n_keys]
//
// math/rand.Rand exposes no portable internal-state serialization, so
// rng_state_bytes here holds the 8-byte seed passed to ToState plus
// the buffer's 8-byte NumSample counter; restoring seeds a fresh source
// from that seed without advancing it (the counter is restored as
// NumSample only), which is sufficient to resume fresh shuffles
// deterministically once the restored sample_order is exhausted. The
// in-flight without-replacement shuffle itself (sample_order and the
// caller's position in it) is serialized directly rather than relied
// on to be reconstructible from the rng alone, so that
// init_from_state(to_state()) resumes the exact same sample sequence
// up to the next reshuffle — testable property #3 — without depending
// on math/rand's undocumented internals.
//
// column_bytes holds every occupied slot's decompressed row data for
// that key, concatenated in physical slot order 0..size-1 (old::
// ReplayBuffer::SerializableState.buffer's per-key tensor).

// ToState serializes the buffer's full contents to w in the format
// above: capacity/size/next_idx, the rng seed and draw count, the
// remaining without-replacement sample order, and every key's actual
// column data for the occupied slots.
func (b *Buffer) ToState(w io.Writer, seed int64) error {
	b.keyMu.Lock()
	keys := append([]key(nil), b.keys...)
	b.keyMu.Unlock()

	size := b.Size()
	numAdd := b.NumAdd()
	nextIdx := int32(numAdd % int64(b.capacity))

	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:], uint32(b.capacity))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(size))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(nextIdx))
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "replay: write snapshot header")
	}

	rngState := make([]byte, 16)
	binary.LittleEndian.PutUint64(rngState[0:], uint64(seed))
	binary.LittleEndian.PutUint64(rngState[8:], uint64(b.NumSample()))
	if err := writeU32(w, uint32(len(rngState))); err != nil {
		return err
	}
	if _, err := w.Write(rngState); err != nil {
		return errors.Wrap(err, "replay: write rng state")
	}

	b.sampleMu.Lock()
	sampleOrder := append([]int(nil), b.sampleOrder...)
	sampleOrderIndex := b.sampleOrderIndex
	b.sampleMu.Unlock()

	if err := writeU32(w, uint32(len(sampleOrder))); err != nil {
		return err
	}
	if err := writeU32(w, uint32(sampleOrderIndex)); err != nil {
		return err
	}
	orderBytes := make([]byte, 4*len(sampleOrder))
	for i, v := range sampleOrder {
		binary.LittleEndian.PutUint32(orderBytes[i*4:], uint32(int32(v)))
	}
	if _, err := w.Write(orderBytes); err != nil {
		return errors.Wrap(err, "replay: write sample order")
	}

	if err := writeU32(w, uint32(len(keys))); err != nil {
		return err
	}
	for ki, k := range keys {
		if err := writeString(w, k.name); err != nil {
			return err
		}
		if err := writeU32(w, uint32(k.rowLen)); err != nil {
			return err
		}

		column := make([]float32, 0, size*k.rowLen)
		for slot := 0; slot < size; slot++ {
			ptr := b.slots[slot].Load()
			if ptr == nil {
				// A concurrent Sample call briefly swaps a slot to nil
				// while decompressing it; snapshotting mid-swap falls
				// back to a zero row rather than blocking on it.
				column = append(column, make([]float32, k.rowLen)...)
				continue
			}
			e := (*ptr)[ki]
			raw, err := b.dec.DecodeAll(e.Compressed, make([]byte, 0, e.OrigLen))
			if err != nil {
				return errors.Wrapf(err, "replay: decode slot %d key %q", slot, k.name)
			}
			column = append(column, bytesToFloat32s(raw)...)
		}

		data := float32sToBytes(column)
		if err := writeU32(w, uint32(len(data))); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return errors.Wrapf(err, "replay: write column %q", k.name)
		}
	}
	return nil
}

// InitFromState restores a Buffer previously written by ToState,
// including its occupied slots' actual data and in-flight sample
// order, so that a subsequent Sample call draws the identical next row
// the original buffer would have (spec.md §8 property #3).
func InitFromState(r io.Reader) (*Buffer, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, errors.Wrap(err, "replay: read snapshot header")
	}
	capacity := int(binary.LittleEndian.Uint32(hdr[0:]))
	size := int(binary.LittleEndian.Uint32(hdr[4:]))
	nextIdx := int32(binary.LittleEndian.Uint32(hdr[8:]))

	rngLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	rngState := make([]byte, rngLen)
	if _, err := io.ReadFull(r, rngState); err != nil {
		return nil, errors.Wrap(err, "replay: read rng state")
	}
	var seed int64
	var numSample int64
	if len(rngState) >= 8 {
		seed = int64(binary.LittleEndian.Uint64(rngState[0:]))
	}
	if len(rngState) >= 16 {
		numSample = int64(binary.LittleEndian.Uint64(rngState[8:]))
	}

	sampleOrderLen, err := readU32(r)
	if err != nil {
		return nil, err
	}
	sampleOrderIndex, err := readU32(r)
	if err != nil {
		return nil, err
	}
	orderBytes := make([]byte, 4*sampleOrderLen)
	if _, err := io.ReadFull(r, orderBytes); err != nil {
		return nil, errors.Wrap(err, "replay: read sample order")
	}
	sampleOrder := make([]int, sampleOrderLen)
	for i := range sampleOrder {
		sampleOrder[i] = int(int32(binary.LittleEndian.Uint32(orderBytes[i*4:])))
	}

	nKeys, err := readU32(r)
	if err != nil {
		return nil, err
	}

	type restoredKey struct {
		name   string
		rowLen int
		column []float32
	}
	restoredKeys := make([]restoredKey, nKeys)
	for i := uint32(0); i < nKeys; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		rowLen, err := readU32(r)
		if err != nil {
			return nil, err
		}
		colLen, err := readU32(r)
		if err != nil {
			return nil, err
		}
		colBytes := make([]byte, colLen)
		if _, err := io.ReadFull(r, colBytes); err != nil {
			return nil, errors.Wrapf(err, "replay: read column %q", name)
		}
		restoredKeys[i] = restoredKey{name: name, rowLen: int(rowLen), column: bytesToFloat32s(colBytes)}
	}

	buf, err := New(capacity, seed)
	if err != nil {
		return nil, err
	}

	if size > 0 {
		batch := make(map[string][]float32, len(restoredKeys))
		for _, rk := range restoredKeys {
			batch[rk.name] = rk.column
		}
		// Add assigns physical slots 0..size-1 in order, matching the
		// slot order ToState walked when it wrote each column, so the
		// restored buffer's data lines up slot-for-slot with the
		// original.
		if err := buf.Add(batch, size); err != nil {
			return nil, errors.Wrap(err, "replay: restore rows")
		}
	} else {
		for _, rk := range restoredKeys {
			buf.keys = append(buf.keys, key{name: rk.name, rowLen: rk.rowLen})
		}
		buf.hasKeys = len(buf.keys) > 0
	}

	if size == capacity && capacity > 0 {
		// A full buffer's next write continues at next_idx; buf.Add
		// above left numAdd at exactly capacity (nextIdx 0). Fast-
		// forward numAdd to the same point mod capacity so future Add
		// calls resume where the original left off. The original's
		// exact historical add count beyond one lap isn't
		// recoverable, the same approximation this file already makes
		// for the rng's internal state.
		atomic.StoreInt64(&buf.numAdd, int64(capacity)+int64(nextIdx))
	}

	atomic.StoreInt64(&buf.numSample, numSample)

	buf.sampleMu.Lock()
	buf.sampleOrder = sampleOrder
	buf.sampleOrderIndex = int(sampleOrderIndex)
	buf.sampleMu.Unlock()

	return buf, nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return errors.Wrap(err, "replay: write u32")
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errors.Wrap(err, "replay: read u32")
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return errors.Wrap(err, "replay: write string")
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", errors.Wrap(err, "replay: read string")
	}
	return string(buf), nil
}

// restoreRNG rebuilds a source from seed advanced by advance draws.
// Nothing in the package calls it; InitFromState seeds its source
// without advancing it.
func restoreRNG(seed int64, advance int64) *rand.Rand {
	r := rand.New(rand.NewSource(seed))
	for i := int64(0); i < advance; i++ {
		r.Int63()
	}
	return r
}
