// Package model implements the ModelManager (spec.md §4.4): a pool of
// scripted-network replicas behind per-replica priority mutexes, the
// act/train DataChannels feeding them, the shared replay buffer, and
// the optional learner-server / actor-client roles that move
// trajectories and model weights across the network.
//
// Grounded on the teacher's agent.go (Agent.Infer's replica pool /
// SwitchToInference idea) and arena.go (newAgent's "swap in a new NN"
// logic), generalized from a single in-process NN to N device replicas
// with round-robin dispatch and an explicit network boundary.
package model

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/go-multierror"
	dual "github.com/selfplay/core/dualnet"
	"github.com/selfplay/core/netrpc"
	"github.com/selfplay/core/priority"
	"github.com/selfplay/core/replay"
	selftensor "github.com/selfplay/core/tensor"
	"github.com/selfplay/core/tube"
	gotensor "gorgonia.org/tensor"
)

// Role distinguishes a learner (network server, owns the replay
// buffer's authoritative copy) from an actor (network client, feeds
// trajectories upstream and pulls weight updates down).
type Role int

const (
	RoleNone Role = iota
	RoleServer
	RoleClient
)

const (
	actTimeoutMs   = 10
	trainTimeoutMs = -1 // train producers always wait for a full batch

	// updatePriority is the lowest (most urgent) priority number,
	// reserved for the model-update path so it always cuts ahead of
	// actor forward calls queued behind a replica's mutex.
	updatePriority = -1 << 30
)

// replica is one scripted-model instance plus the priority mutex
// guarding it and the DataChannel actor threads dispatch through.
type replica struct {
	nn  *dual.Dual
	mu  *priority.Mutex
	act *tube.DataChannel
}

// Manager is the ModelManager described by spec.md §4.4.
type Manager struct {
	conf     dual.Config
	replicas []*replica
	rrCursor uint64

	train *tube.DataChannel
	buf   *replay.Buffer

	role Role

	server *netrpc.Server
	client *netrpc.Client

	modelID atomic.Value // string

	logger *log.Logger
}

// Config bundles the knobs NewManager needs beyond the network Config.
type Config struct {
	Net         dual.Config
	NumReplicas int
	ReplayCap   int
	ReplaySeed  int64
}

// NewManager builds numReplicas independent scripted-model replicas
// sharing conf, a replay buffer of the given capacity, and the act/train
// DataChannels that feed them.
func NewManager(c Config) (*Manager, error) {
	if c.NumReplicas < 1 {
		return nil, fmt.Errorf("model: NumReplicas must be >= 1, got %d", c.NumReplicas)
	}
	buf, err := replay.New(c.ReplayCap, c.ReplaySeed)
	if err != nil {
		return nil, fmt.Errorf("model: replay buffer: %w", err)
	}

	featLen := c.Net.Features * c.Net.Height * c.Net.Width
	send := []tube.DataBlock{tube.NewDataBlock("feat", featLen)}
	reply := []tube.DataBlock{
		tube.NewDataBlock("pi", c.Net.ActionSpace),
		tube.NewDataBlock("v", c.Net.ValueDims()),
	}

	m := &Manager{
		conf:   c.Net,
		buf:    buf,
		logger: log.Default().WithPrefix("model"),
	}
	m.modelID.Store("init")

	for i := 0; i < c.NumReplicas; i++ {
		nn, err := dual.New(c.Net)
		if err != nil {
			return nil, fmt.Errorf("model: replica %d: %w", i, err)
		}
		dc := tube.NewDataChannel(fmt.Sprintf("act-%d", i), c.Net.BatchSize, actTimeoutMs, nil)
		if err := dc.CreateOrCheckBuffers(send, reply); err != nil {
			return nil, fmt.Errorf("model: replica %d buffers: %w", i, err)
		}
		m.replicas = append(m.replicas, &replica{nn: nn, mu: priority.New(), act: dc})
	}

	trainSend := []tube.DataBlock{
		tube.NewDataBlock("feature", featLen),
		tube.NewDataBlock("pi", c.Net.ActionSpace),
		tube.NewDataBlock("pi_mask", c.Net.ActionSpace),
		tube.NewDataBlock("v", 1),
	}
	trainReply := []tube.DataBlock{tube.NewDataBlock("ack", 1)}
	m.train = tube.NewDataChannel("train", c.Net.BatchSize, trainTimeoutMs, nil)
	if err := m.train.CreateOrCheckBuffers(trainSend, trainReply); err != nil {
		return nil, fmt.Errorf("model: train channel buffers: %w", err)
	}

	return m, nil
}

// ModelID returns the current tournament model identifier.
func (m *Manager) ModelID() string { return m.modelID.Load().(string) }

// Replay exposes the shared replay buffer, e.g. for the learner's
// sampling loop.
func (m *Manager) Replay() *replay.Buffer { return m.buf }

// LoadReplaySnapshot replaces the manager's replay buffer with one
// restored from r (written by replay.Buffer.ToState), so a learner
// resumes sampling from where a prior run left off instead of starting
// from an empty buffer. Must be called before TrainThread/StartServer
// begin feeding the buffer concurrently.
func (m *Manager) LoadReplaySnapshot(r io.Reader) error {
	buf, err := replay.InitFromState(r)
	if err != nil {
		return fmt.Errorf("model: load replay snapshot: %w", err)
	}
	m.buf = buf
	return nil
}

// TrainChannel exposes the train DataChannel so batchexec producers can
// build a Dispatcher against it.
func (m *Manager) TrainChannel() *tube.DataChannel { return m.train }

// ActChannel exposes act replica i's DataChannel so actor producers can
// build a Dispatcher against it.
func (m *Manager) ActChannel(i int) *tube.DataChannel { return m.replicas[i].act }

// NumReplicas reports the configured replica count.
func (m *Manager) NumReplicas() int { return len(m.replicas) }

func denseToWire(name string, d *gotensor.Dense) netrpc.TensorWire {
	shape := d.Shape()
	s := make([]int, len(shape))
	copy(s, shape)
	return netrpc.TensorWire{Name: name, Shape: s, Data: d.Data().([]float32)}
}

func wireToDense(t netrpc.TensorWire) *gotensor.Dense {
	return gotensor.New(gotensor.WithShape(t.Shape...), gotensor.WithBacking(t.Data))
}

func (m *Manager) stateDictWire() []netrpc.TensorWire {
	sd := m.replicas[0].nn.StateDict()
	out := make([]netrpc.TensorWire, 0, len(sd))
	for name, d := range sd {
		out = append(out, denseToWire(name, d))
	}
	return out
}

// StateDictWire returns replica 0's parameter state dict in its wire
// form, for checkpointing (see selfplay.SaveCheckpoint) as well as the
// network path UpdateModel already broadcasts.
func (m *Manager) StateDictWire() []netrpc.TensorWire { return m.stateDictWire() }

// LoadWireStateDict is UpdateModel's wire-typed counterpart, used when
// restoring a checkpoint saved via StateDictWire rather than applying
// an update received over the network.
func (m *Manager) LoadWireStateDict(modelID string, sd []netrpc.TensorWire) error {
	dense := make(map[string]*gotensor.Dense, len(sd))
	for _, t := range sd {
		dense[t.Name] = wireToDense(t)
	}
	return m.UpdateModel(modelID, dense)
}

// UpdateModel copies state-dict tensors into every replica, each guarded
// by its mutex at the highest (most urgent) priority so a model swap
// cannot be starved by a long-running forward pass. A load failure on
// one replica doesn't stop the others from being updated; every
// per-replica error is collected and returned together, mirroring the
// teacher's Agent.Close error aggregation. Server-role managers then
// broadcast the new weights to every connected actor.
func (m *Manager) UpdateModel(modelID string, sd map[string]*gotensor.Dense) error {
	var errs error
	for i, r := range m.replicas {
		r.mu.Lock(updatePriority)
		err := r.nn.LoadStateDict(sd)
		r.mu.Unlock()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("model: update replica %d: %w", i, err))
		}
	}
	if errs != nil {
		return errs
	}
	m.modelID.Store(modelID)

	if m.role == RoleServer && m.server != nil {
		frame := netrpc.EncodeModelUpdate(modelID, m.stateDictWire())
		m.server.Broadcast(frame)
	}
	return nil
}

// BatchAct runs n rows of feat (flattened [n, features]) through a
// round-robin-selected replica and returns the policy/value outputs
// plus the active model id. callerPriority should be derived from the
// calling thread's identity (e.g. a stable hash of the game-thread
// index) so that concurrent batch_act calls interleave fairly while
// still yielding to UpdateModel.
func (m *Manager) BatchAct(callerPriority int, feat []float32, n int) (pi, v []float32, modelID string, err error) {
	idx := atomic.AddUint64(&m.rrCursor, 1) % uint64(len(m.replicas))
	r := m.replicas[idx]

	r.mu.Lock(callerPriority)
	defer r.mu.Unlock()

	if n <= 0 || len(feat)%n != 0 {
		return nil, nil, "", fmt.Errorf("model: batch_act: feat length %d not divisible by n=%d", len(feat), n)
	}
	pi, v, err = r.nn.Forward(feat)
	if err != nil {
		return nil, nil, "", fmt.Errorf("model: batch_act forward: %w", err)
	}
	return pi, v, m.ModelID(), nil
}

// ActThread runs replica i's act-DataChannel consumer loop: pull the
// next (possibly partial) input batch, run forward, reply. Exits when
// the channel is terminated.
func (m *Manager) ActThread(i int) {
	r := m.replicas[i]
	for {
		in := r.act.GetInput()
		if in == nil {
			return
		}
		feat := in["feat"]
		n := feat.Shape()[0]

		r.mu.Lock(priority.DefaultPriority)
		pi, v, err := r.nn.Forward(feat.Data())
		r.mu.Unlock()
		if err != nil {
			m.logger.Error("act_thread forward failed", "replica", i, "err", err)
			continue
		}

		reply := map[string]*selftensor.Tensor{
			"pi": selftensor.NewFromBacking("pi", pi, n, m.conf.ActionSpace),
			"v":  selftensor.NewFromBacking("v", v, n, m.conf.ValueDims()),
		}
		if err := r.act.SetReply(reply); err != nil {
			m.logger.Error("act_thread set_reply failed", "replica", i, "err", err)
		}
	}
}

// TrainThread runs the train-DataChannel consumer loop: pull a batch of
// training rows and either forward them to the learner (client role) or
// push them straight into the local replay buffer (server role), then
// ack.
func (m *Manager) TrainThread() {
	for {
		in := m.train.GetInput()
		if in == nil {
			return
		}
		n := in["v"].Shape()[0]
		kv := map[string][]float32{
			"feature": in["feature"].Data(),
			"pi":      in["pi"].Data(),
			"pi_mask": in["pi_mask"].Data(),
			"v":       in["v"].Data(),
		}

		switch m.role {
		case RoleClient:
			if m.client != nil {
				m.client.SendTrajectory(kv)
			}
		default:
			if err := m.buf.Add(kv, n); err != nil {
				m.logger.Error("train_thread replay add failed", "err", err)
			}
		}

		ack := make([]float32, n)
		if err := m.train.SetReply(map[string]*selftensor.Tensor{
			"ack": selftensor.NewFromBacking("ack", ack, n, 1),
		}); err != nil {
			m.logger.Error("train_thread set_reply failed", "err", err)
		}
	}
}

// StartServer binds addr and runs the learner-side network endpoint:
// inbound trajectory frames are pushed into the local replay buffer;
// model_request frames get the current weights sent back to the
// requesting actor.
func (m *Manager) StartServer(ctx context.Context, addr string) error {
	m.role = RoleServer
	m.server = netrpc.NewServer(addr,
		func(kv map[string][]float32) {
			n := len(kv["v"])
			if n == 0 {
				return
			}
			if err := m.buf.Add(kv, n); err != nil {
				m.logger.Error("server trajectory add failed", "err", err)
			}
		},
		func(c *netrpc.Conn, isTournamentOpponent bool) {
			frame := netrpc.EncodeModelUpdate(m.ModelID(), m.stateDictWire())
			c.Send(frame)
		},
	)
	return m.server.Serve(ctx)
}

// StartClient connects to a learner at url and spawns the background
// poll loop that requests model updates roughly every 40s, applying
// them to every local replica as they arrive.
func (m *Manager) StartClient(url string, isTournamentOpponent bool) error {
	m.role = RoleClient
	m.client = netrpc.NewClient(url, isTournamentOpponent, func(modelID string, sd []netrpc.TensorWire) {
		dense := make(map[string]*gotensor.Dense, len(sd))
		for _, t := range sd {
			dense[t.Name] = wireToDense(t)
		}
		if err := m.UpdateModel(modelID, dense); err != nil {
			m.logger.Error("client model update failed", "err", err)
		}
	})
	return m.client.Connect()
}
