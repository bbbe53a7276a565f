package tube

import (
	"fmt"
	"time"

	"github.com/coder/quartz"

	ttensor "github.com/selfplay/core/tensor"
)

// SlotStatus is a batch slot's position in the
// avail -> filled[AutoRelease] -> replied -> avail cycle, exactly as
// original_source/torchRL/tube/src_cpp/data_channel.h's SlotStatus
// enum.
type SlotStatus int

const (
	Avail SlotStatus = iota
	Filled
	FilledAutoRelease
	Replied
)

// DataChannel is a fixed-size batch rendezvous point between producer
// goroutines (game threads filling slots) and a consumer (the model
// manager draining full or partial batches). Grounded line-for-line on
// original_source/torchRL/tube/src_cpp/data_channel.cc: three
// condition variables (avail/filled/replied), an avail-slot freelist,
// and the getInput timeout contract (spec.md §4.2, tested by E1/E2).
type DataChannel struct {
	name      string
	batchSize int
	timeoutMs int

	sendBlocks  []DataBlock
	replyBlocks []DataBlock

	sendBuffer  map[string]*ttensor.Tensor
	replyBuffer map[string]*ttensor.Tensor

	availCond   *broadcaster
	filledCond  *broadcaster
	repliedCond *broadcaster

	availSlots []int
	slotStatus []SlotStatus

	numFilledSlot int
	sentSlots     []int
	holdingFilled bool

	terminated bool
}

// NewDataChannel returns a DataChannel with batchSize slots. timeoutMs
// follows getInput's contract: < 0 waits for a full batch; == 0 polls
// and returns as soon as at least one slot is filled; > 0 waits up to
// timeoutMs for a full batch, then slices off the slots filled so far
// (waiting further rounds of timeoutMs while none is filled). clock
// is optional; nil uses the real clock.
func NewDataChannel(name string, batchSize, timeoutMs int, clock quartz.Clock) *DataChannel {
	dc := &DataChannel{
		name:       name,
		batchSize:  batchSize,
		timeoutMs:  timeoutMs,
		slotStatus: make([]SlotStatus, batchSize),
		availSlots: make([]int, batchSize),
	}
	for i := 0; i < batchSize; i++ {
		dc.availSlots[i] = batchSize - 1 - i
	}
	dc.availCond = newBroadcaster(clock)
	dc.filledCond = newBroadcaster(clock)
	dc.repliedCond = newBroadcaster(clock)
	return dc
}

// CreateOrCheckBuffers allocates the send/reply batch tensors on first
// call; subsequent calls verify the blocks match what was already
// allocated. Grounded on createOrCheckBuffers/createBuffers/
// checkBuffers in data_channel.cc.
func (dc *DataChannel) CreateOrCheckBuffers(send, reply []DataBlock) error {
	if len(send) == 0 && len(reply) == 0 {
		return fmt.Errorf("tube: %s: createOrCheckBuffers called with no blocks", dc.name)
	}
	if dc.sendBuffer == nil && dc.replyBuffer == nil {
		dc.sendBlocks, dc.sendBuffer = send, allocBuffers(dc.batchSize, send)
		dc.replyBlocks, dc.replyBuffer = reply, allocBuffers(dc.batchSize, reply)
		return nil
	}
	if err := checkBuffers(dc.batchSize, send, dc.sendBuffer); err != nil {
		return err
	}
	return checkBuffers(dc.batchSize, reply, dc.replyBuffer)
}

func allocBuffers(batchSize int, blocks []DataBlock) map[string]*ttensor.Tensor {
	buf := make(map[string]*ttensor.Tensor, len(blocks))
	for _, b := range blocks {
		shape := append([]int{batchSize}, b.Sizes...)
		buf[b.Name] = ttensor.New(b.Name, shape...)
	}
	return buf
}

func checkBuffers(batchSize int, blocks []DataBlock, buf map[string]*ttensor.Tensor) error {
	for _, b := range blocks {
		t, ok := buf[b.Name]
		if !ok {
			return fmt.Errorf("tube: unknown block %q", b.Name)
		}
		want := append([]int{batchSize}, b.Sizes...)
		got := t.Shape()
		if len(got) != len(want) {
			return fmt.Errorf("tube: block %q shape mismatch: have %v, want %v", b.Name, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				return fmt.Errorf("tube: block %q shape mismatch: have %v, want %v", b.Name, got, want)
			}
		}
	}
	return nil
}

// Terminate unblocks every goroutine waiting on GetInput, GetSlot, or
// GetReply. After Terminate, their return values are undefined, per
// the original's comment on DataChannel::terminate.
func (dc *DataChannel) Terminate() {
	dc.filledCond.Lock()
	dc.repliedCond.Lock()
	dc.availCond.Lock()
	dc.terminated = true
	dc.filledCond.signalLocked()
	dc.repliedCond.signalLocked()
	dc.availCond.signalLocked()
	dc.availCond.Unlock()
	dc.repliedCond.Unlock()
	dc.filledCond.Unlock()
}

func (dc *DataChannel) Terminated() bool {
	dc.filledCond.Lock()
	defer dc.filledCond.Unlock()
	return dc.terminated
}

// GetInput is the consumer side: it returns the current send buffer,
// full or partially filled depending on timeoutMs. Ported from
// DataChannel::getInput.
func (dc *DataChannel) GetInput() map[string]*ttensor.Tensor {
	dc.filledCond.Lock()
	full := func() bool { return dc.terminated || dc.numFilledSlot == dc.batchSize }

	if dc.timeoutMs < 0 {
		dc.filledCond.Wait(full)
		dc.filledCond.Unlock()
		return dc.sendBuffer
	}

	var returnAll bool
	for {
		returnAll = dc.filledCond.WaitTimeout(full, time.Duration(dc.timeoutMs)*time.Millisecond)
		if dc.numFilledSlot != 0 || dc.terminated {
			break
		}
	}

	if returnAll {
		dc.filledCond.Unlock()
		return dc.sendBuffer
	}

	// Hold the filled lock to prevent new mark-as-filled calls until
	// SetReply consumes this partial batch, matching lkFilled_.
	dc.holdingFilled = true
	return dc.sliceTensorsForSendLocked()
}

// sliceTensorsForSendLocked must be called with filledCond locked.
func (dc *DataChannel) sliceTensorsForSendLocked() map[string]*ttensor.Tensor {
	dc.sentSlots = dc.sentSlots[:0]
	for i, st := range dc.slotStatus {
		if st == Filled || st == FilledAutoRelease {
			dc.sentSlots = append(dc.sentSlots, i)
		}
	}
	sliced := make(map[string]*ttensor.Tensor, len(dc.sendBuffer))
	for name, t := range dc.sendBuffer {
		rowLen := t.Len() / dc.batchSize
		data := t.Data()
		sub := make([]float32, 0, len(dc.sentSlots)*rowLen)
		for _, slot := range dc.sentSlots {
			sub = append(sub, data[slot*rowLen:(slot+1)*rowLen]...)
		}
		shape := append([]int{len(dc.sentSlots)}, t.Shape()[1:]...)
		sliced[name] = ttensor.NewFromBacking(name, sub, shape...)
	}
	return sliced
}

// SetReply delivers the consumer's reply and recycles every slot it
// covered. Ported from DataChannel::setReply.
func (dc *DataChannel) SetReply(reply map[string]*ttensor.Tensor) error {
	if len(dc.sentSlots) == 0 {
		if dc.numFilledSlot != dc.batchSize {
			return fmt.Errorf("tube: %s: setReply: numFilledSlot %d != batchSize %d", dc.name, dc.numFilledSlot, dc.batchSize)
		}
		if err := copyFullReply(reply, dc.replyBuffer); err != nil {
			return err
		}
	} else {
		if dc.numFilledSlot >= dc.batchSize {
			return fmt.Errorf("tube: %s: setReply: numFilledSlot %d >= batchSize %d", dc.name, dc.numFilledSlot, dc.batchSize)
		}
		if err := copySlottedReply(reply, dc.replyBuffer, dc.sentSlots); err != nil {
			return err
		}
	}

	dc.numFilledSlot = 0

	dc.repliedCond.Lock()
	for i, st := range dc.slotStatus {
		switch st {
		case Filled:
			dc.slotStatus[i] = Replied
		case FilledAutoRelease:
			dc.slotStatus[i] = Replied
			dc.releaseSlotLocked(i)
		}
	}
	dc.repliedCond.signalLocked()
	dc.repliedCond.Unlock()

	if len(dc.sentSlots) != 0 {
		dc.holdingFilled = false
		dc.filledCond.Unlock()
		dc.sentSlots = dc.sentSlots[:0]
	}
	return nil
}

func copyFullReply(src, dst map[string]*ttensor.Tensor) error {
	for name, d := range dst {
		s, ok := src[name]
		if !ok {
			return fmt.Errorf("tube: reply missing block %q", name)
		}
		copy(d.Data(), s.Data())
	}
	return nil
}

func copySlottedReply(src, dst map[string]*ttensor.Tensor, slots []int) error {
	for name, d := range dst {
		s, ok := src[name]
		if !ok {
			return fmt.Errorf("tube: reply missing block %q", name)
		}
		dstData := d.Data()
		srcData := s.Data()
		rowLen := len(srcData) / len(slots)
		for i, slot := range slots {
			copy(dstData[slot*rowLen:(slot+1)*rowLen], srcData[i*rowLen:(i+1)*rowLen])
		}
	}
	return nil
}

// GetSlot blocks until a slot is available and returns it along with a
// view of the send buffer's row for that slot. Ported from
// DataChannel::getSlot.
func (dc *DataChannel) GetSlot() (slot int, rows map[string][]float32, ok bool) {
	dc.availCond.Lock()
	dc.availCond.Wait(func() bool { return len(dc.availSlots) > 0 || dc.terminated })
	if dc.terminated {
		dc.availCond.Unlock()
		return 0, nil, false
	}
	slot = dc.availSlots[len(dc.availSlots)-1]
	dc.availSlots = dc.availSlots[:len(dc.availSlots)-1]
	dc.availCond.Unlock()

	rows = make(map[string][]float32, len(dc.sendBuffer))
	for name, t := range dc.sendBuffer {
		rowLen := t.Len() / dc.batchSize
		data := t.Data()
		rows[name] = data[slot*rowLen : (slot+1)*rowLen]
	}
	return slot, rows, true
}

// MarkSlotFilled marks slot as filled, notifying the consumer once the
// batch is full.
func (dc *DataChannel) MarkSlotFilled(slot int) {
	dc.markSlotFilled(slot, Filled)
}

// MarkSlotFilledAutoRelease marks slot as filled and, once its reply is
// set, releases it back to the avail pool automatically instead of
// requiring an explicit ReleaseSlot call.
func (dc *DataChannel) MarkSlotFilledAutoRelease(slot int) {
	dc.markSlotFilled(slot, FilledAutoRelease)
}

func (dc *DataChannel) markSlotFilled(slot int, status SlotStatus) {
	dc.filledCond.Lock()
	dc.slotStatus[slot] = status
	dc.numFilledSlot++
	full := dc.numFilledSlot == dc.batchSize
	if full {
		dc.filledCond.signalLocked()
	}
	dc.filledCond.Unlock()
}

// GetReply blocks until slot's reply is ready and returns a view of
// the reply buffer's row for it.
func (dc *DataChannel) GetReply(slot int) map[string][]float32 {
	dc.repliedCond.Lock()
	dc.repliedCond.Wait(func() bool { return dc.slotStatus[slot] == Replied || dc.terminated })
	dc.repliedCond.Unlock()

	rows := make(map[string][]float32, len(dc.replyBuffer))
	for name, t := range dc.replyBuffer {
		rowLen := t.Len() / dc.batchSize
		data := t.Data()
		rows[name] = data[slot*rowLen : (slot+1)*rowLen]
	}
	return rows
}

// ReleaseSlot returns slot to the avail pool.
func (dc *DataChannel) ReleaseSlot(slot int) {
	dc.repliedCond.Lock()
	dc.slotStatus[slot] = Avail
	dc.repliedCond.Unlock()
	dc.releaseSlotLocked(slot)
}

func (dc *DataChannel) releaseSlotLocked(slot int) {
	dc.availCond.Lock()
	dc.slotStatus[slot] = Avail
	dc.availSlots = append(dc.availSlots, slot)
	dc.availCond.signalLocked()
	dc.availCond.Unlock()
}

// BatchSize reports the fixed batch size.
func (dc *DataChannel) BatchSize() int { return dc.batchSize }

// NumFilled reports the current fill count, used by tests to assert
// slot-accounting invariants.
func (dc *DataChannel) NumFilled() int {
	dc.filledCond.Lock()
	defer dc.filledCond.Unlock()
	return dc.numFilledSlot
}
