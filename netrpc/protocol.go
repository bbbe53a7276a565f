// Package netrpc implements the distributed learner/actor wire
// protocol: length-prefixed framed messages exchanged over a
// websocket transport, grounded on
// lox-pokerforbots/internal/{server,client} (binary frames in place of
// that package's JSON frames, since the payloads here are tensors, not
// game events).
package netrpc

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// MessageType tags a frame's payload.
type MessageType byte

const (
	MsgTrajectory   MessageType = 1
	MsgModelUpdate  MessageType = 2
	MsgModelRequest MessageType = 3
	MsgResult       MessageType = 4
)

// TensorWire is the wire form of a named tensor: shape plus flat
// float32 data, matching spec.md §6's "serialized_tensor_bytes".
type TensorWire struct {
	Name  string
	Shape []int
	Data  []float32
}

func writeU32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeU64(w *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func writeString(w *bytes.Buffer, s string) {
	writeU64(w, uint64(len(s)))
	w.WriteString(s)
}

func writeFloats(w *bytes.Buffer, data []float32) {
	writeU64(w, uint64(len(data)*4))
	var b [4]byte
	for _, f := range data {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		w.Write(b[:])
	}
}

func writeTensor(w *bytes.Buffer, t TensorWire) {
	writeString(w, t.Name)
	writeU32(w, uint32(len(t.Shape)))
	for _, s := range t.Shape {
		writeU32(w, uint32(s))
	}
	writeFloats(w, t.Data)
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readU64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readFloats(r *bytes.Reader) ([]float32, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	count := n / 4
	out := make([]float32, count)
	var b [4]byte
	for i := range out {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[:]))
	}
	return out, nil
}

func readTensor(r *bytes.Reader) (TensorWire, error) {
	name, err := readString(r)
	if err != nil {
		return TensorWire{}, err
	}
	nd, err := readU32(r)
	if err != nil {
		return TensorWire{}, err
	}
	shape := make([]int, nd)
	for i := range shape {
		v, err := readU32(r)
		if err != nil {
			return TensorWire{}, err
		}
		shape[i] = int(v)
	}
	data, err := readFloats(r)
	if err != nil {
		return TensorWire{}, err
	}
	return TensorWire{Name: name, Shape: shape, Data: data}, nil
}

// EncodeTrajectory serializes a key->flat-row map as a sequence of
// (key_len, key, value_len, value_bytes) pairs terminated by a zero
// key length, per spec.md §6's "trajectory" message.
func EncodeTrajectory(kv map[string][]float32) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(MsgTrajectory))
	for k, v := range kv {
		writeString(&buf, k)
		writeFloats(&buf, v)
	}
	writeU64(&buf, 0)
	return buf.Bytes()
}

// DecodeTrajectory parses a trajectory frame's payload (without the
// leading MessageType byte).
func DecodeTrajectory(payload []byte) (map[string][]float32, error) {
	r := bytes.NewReader(payload)
	out := make(map[string][]float32)
	for {
		n, err := readU64(r)
		if err != nil {
			return nil, errors.Wrap(err, "netrpc: decode trajectory key length")
		}
		if n == 0 {
			return out, nil
		}
		keyBuf := make([]byte, n)
		if _, err := io.ReadFull(r, keyBuf); err != nil {
			return nil, errors.Wrap(err, "netrpc: decode trajectory key")
		}
		v, err := readFloats(r)
		if err != nil {
			return nil, errors.Wrap(err, "netrpc: decode trajectory value")
		}
		out[string(keyBuf)] = v
	}
}

// EncodeModelUpdate serializes a tournament model id plus its state
// dict entries, per spec.md §6's "model_update" message.
func EncodeModelUpdate(modelID string, sd []TensorWire) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(MsgModelUpdate))
	writeString(&buf, modelID)
	writeU32(&buf, uint32(len(sd)))
	for _, t := range sd {
		writeTensor(&buf, t)
	}
	return buf.Bytes()
}

// DecodeModelUpdate parses a model_update frame's payload.
func DecodeModelUpdate(payload []byte) (modelID string, sd []TensorWire, err error) {
	r := bytes.NewReader(payload)
	modelID, err = readString(r)
	if err != nil {
		return "", nil, errors.Wrap(err, "netrpc: decode model_update id")
	}
	n, err := readU32(r)
	if err != nil {
		return "", nil, errors.Wrap(err, "netrpc: decode model_update count")
	}
	sd = make([]TensorWire, n)
	for i := range sd {
		t, err := readTensor(r)
		if err != nil {
			return "", nil, errors.Wrapf(err, "netrpc: decode model_update entry %d", i)
		}
		sd[i] = t
	}
	return modelID, sd, nil
}

// EncodeModelRequest serializes the single-byte model_request message.
func EncodeModelRequest(isTournamentOpponent bool) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(MsgModelRequest))
	if isTournamentOpponent {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// DecodeModelRequest parses a model_request frame's payload.
func DecodeModelRequest(payload []byte) (isTournamentOpponent bool, err error) {
	if len(payload) != 1 {
		return false, errors.New("netrpc: malformed model_request payload")
	}
	return payload[0] != 0, nil
}

// ResultEntry is one (model_id, weight) pair within a result message.
type ResultEntry struct {
	ModelID string
	Weight  float32
}

// EncodeResult serializes an Elo-style aggregation update, per
// spec.md §6's "result" message.
func EncodeResult(reward float32, entries []ResultEntry) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(MsgResult))
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(reward))
	buf.Write(b[:])
	writeU32(&buf, uint32(len(entries)))
	for _, e := range entries {
		writeString(&buf, e.ModelID)
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(e.Weight))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

// DecodeResult parses a result frame's payload.
func DecodeResult(payload []byte) (reward float32, entries []ResultEntry, err error) {
	r := bytes.NewReader(payload)
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, nil, errors.Wrap(err, "netrpc: decode result reward")
	}
	reward = math.Float32frombits(binary.LittleEndian.Uint32(b[:]))
	n, err := readU32(r)
	if err != nil {
		return 0, nil, errors.Wrap(err, "netrpc: decode result count")
	}
	entries = make([]ResultEntry, n)
	for i := range entries {
		name, err := readString(r)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "netrpc: decode result entry %d id", i)
		}
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, nil, errors.Wrapf(err, "netrpc: decode result entry %d weight", i)
		}
		entries[i] = ResultEntry{ModelID: name, Weight: math.Float32frombits(binary.LittleEndian.Uint32(b[:]))}
	}
	return reward, entries, nil
}
