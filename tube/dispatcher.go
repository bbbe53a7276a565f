package tube

// Dispatch error codes, matching
// original_source/torchRL/tube/src_cpp/dispatcher.h's
// DISPATCH_ERR_DC_TERM/DISPATCH_ERR_NO_SLOT/DISPATCH_NOERR constants.
const (
	DispatchErrTerminated = -2
	DispatchErrNoSlot     = -1
	DispatchNoErr         = 0
)

// Dispatcher is a game thread's single-producer handle onto a shared
// DataChannel: it owns the send/reply tensors for one caller and feeds
// them through the channel's slot protocol. Grounded on
// original_source/torchRL/tube/src_cpp/dispatcher.h.
type Dispatcher struct {
	dc *DataChannel

	send  []DataBlock
	reply []DataBlock
}

// NewDispatcher binds a Dispatcher to dc, registering send/reply
// DataBlocks and creating or checking dc's buffers for them.
func NewDispatcher(dc *DataChannel, send, reply []DataBlock) (*Dispatcher, error) {
	if err := dc.CreateOrCheckBuffers(send, reply); err != nil {
		return nil, err
	}
	return &Dispatcher{dc: dc, send: send, reply: reply}, nil
}

// Dispatch writes values into a free slot, blocks for a reply, copies
// it into out, and releases the slot. Ported from Dispatcher::dispatch.
func (d *Dispatcher) Dispatch(values map[string][]float32, out map[string][]float32) int {
	if d.dc.Terminated() {
		return DispatchErrTerminated
	}
	slot, rows, ok := d.dc.GetSlot()
	if !ok {
		return DispatchErrTerminated
	}
	if slot < 0 {
		return DispatchErrNoSlot
	}
	copyInto(rows, values)
	d.dc.MarkSlotFilled(slot)

	reply := d.dc.GetReply(slot)
	copyInto(out, reply)

	d.dc.ReleaseSlot(slot)
	return DispatchNoErr
}

// DispatchNoReply writes values into a free slot and returns without
// waiting for (or caring about) the reply; the slot auto-releases once
// the consumer sets a reply for the batch it was part of. Ported from
// Dispatcher::dispatchNoReply.
func (d *Dispatcher) DispatchNoReply(values map[string][]float32) int {
	if d.dc.Terminated() {
		return DispatchErrTerminated
	}
	slot, rows, ok := d.dc.GetSlot()
	if !ok {
		return DispatchErrTerminated
	}
	copyInto(rows, values)
	d.dc.MarkSlotFilledAutoRelease(slot)
	return DispatchNoErr
}

// Terminate propagates to the underlying DataChannel.
func (d *Dispatcher) Terminate() { d.dc.Terminate() }

func copyInto(dst map[string][]float32, src map[string][]float32) {
	for name, s := range src {
		d, ok := dst[name]
		if !ok {
			continue
		}
		copy(d, s)
	}
}
