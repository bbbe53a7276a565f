package tube

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ttensor "github.com/selfplay/core/tensor"
)

func replyTensor(values []float32) map[string]*ttensor.Tensor {
	return map[string]*ttensor.Tensor{
		"a": ttensor.NewFromBacking("a", values, len(values), 1),
	}
}

// E1 — DataChannel full-batch: N=4, timeout=-1; 4 producers dispatch
// s=[i] concurrently with a consumer that replies a = s + 1. Every
// producer must observe a == input + 1.
func TestDataChannelFullBatch(t *testing.T) {
	dc := NewDataChannel("e1", 4, -1, nil)
	send := []DataBlock{NewDataBlock("s", 1)}
	reply := []DataBlock{NewDataBlock("a", 1)}
	require.NoError(t, dc.CreateOrCheckBuffers(send, reply))

	results := make([]float32, 4)
	var wg sync.WaitGroup
	wg.Add(4)
	for i := 0; i < 4; i++ {
		i := i
		go func() {
			defer wg.Done()
			disp, err := NewDispatcher(dc, send, reply)
			require.NoError(t, err)
			in := map[string][]float32{"s": {float32(i)}}
			out := map[string][]float32{"a": make([]float32, 1)}
			code := disp.Dispatch(in, out)
			require.Equal(t, DispatchNoErr, code)
			results[i] = out["a"][0]
		}()
	}

	batch := dc.GetInput()
	require.Equal(t, 4, dc.NumFilled())
	s := batch["s"].Data()
	a := make([]float32, 4)
	for i := range a {
		a[i] = s[i] + 1
	}
	require.NoError(t, dc.SetReply(replyTensor(a)))

	wg.Wait()
	for i, got := range results {
		require.Equal(t, float32(i)+1, got)
	}
}

// E2 — DataChannel timeout-slice: N=4, timeout=10ms; 2 producers
// dispatch s=[i]; the consumer observes an outer dim of 2 and replies
// with doubled rows; both producers receive doubled values.
func TestDataChannelTimeoutSlice(t *testing.T) {
	dc := NewDataChannel("e2", 4, 10, nil)
	send := []DataBlock{NewDataBlock("s", 1)}
	reply := []DataBlock{NewDataBlock("a", 1)}
	require.NoError(t, dc.CreateOrCheckBuffers(send, reply))

	results := make([]float32, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		i := i
		go func() {
			defer wg.Done()
			disp, err := NewDispatcher(dc, send, reply)
			require.NoError(t, err)
			in := map[string][]float32{"s": {float32(i)}}
			out := map[string][]float32{"a": make([]float32, 1)}
			code := disp.Dispatch(in, out)
			require.Equal(t, DispatchNoErr, code)
			results[i] = out["a"][0]
		}()
	}

	time.Sleep(5 * time.Millisecond)
	batch := dc.GetInput()
	s := batch["s"]
	require.Equal(t, 2, s.Shape()[0])

	doubled := make([]float32, 2)
	for i, v := range s.Data() {
		doubled[i] = v * 2
	}
	require.NoError(t, dc.SetReply(replyTensor(doubled)))

	wg.Wait()
	for _, got := range results {
		require.Contains(t, []float32{0, 2}, got)
	}
}

// E3 — DataChannel zero timeout: N=4, timeout=0, one producer; GetInput's bounded
// branch must release filledCond's lock on every poll so a producer's
// MarkSlotFilled can ever run. Before the WaitTimeout(d<=0) fix this
// deadlocked: GetInput held the lock across its whole internal spin,
// starving markSlotFilled of it forever.
func TestDataChannelZeroTimeoutDoesNotDeadlock(t *testing.T) {
	dc := NewDataChannel("e3", 4, 0, nil)
	send := []DataBlock{NewDataBlock("s", 1)}
	reply := []DataBlock{NewDataBlock("a", 1)}
	require.NoError(t, dc.CreateOrCheckBuffers(send, reply))

	producerDone := make(chan float32, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		disp, err := NewDispatcher(dc, send, reply)
		require.NoError(t, err)
		in := map[string][]float32{"s": {7}}
		out := map[string][]float32{"a": make([]float32, 1)}
		code := disp.Dispatch(in, out)
		require.Equal(t, DispatchNoErr, code)
		producerDone <- out["a"][0]
	}()

	getInputDone := make(chan map[string]*ttensor.Tensor, 1)
	go func() { getInputDone <- dc.GetInput() }()

	var batch map[string]*ttensor.Tensor
	select {
	case batch = <-getInputDone:
	case <-time.After(2 * time.Second):
		t.Fatal("GetInput with timeoutMs == 0 deadlocked waiting on a fill")
	}

	n := batch["s"].Shape()[0]
	require.Equal(t, 1, n)
	require.NoError(t, dc.SetReply(replyTensor([]float32{batch["s"].Data()[0] + 1})))

	select {
	case got := <-producerDone:
		require.Equal(t, float32(8), got)
	case <-time.After(2 * time.Second):
		t.Fatal("producer never received its reply")
	}
}
