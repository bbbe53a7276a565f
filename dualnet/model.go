package dualnet

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Dual is the scripted-model artifact spec.md §6 describes: a graph
// exposing Forward(inputs) -> {"pi", "v"} plus a named state dict for
// ModelManager.UpdateModel. The teacher's dualnet package only ships
// config.go in the retrieved pack, so the network itself is built
// fresh here in the teacher's idiom: a gorgonia.org/gorgonia
// ExprGraph/TapeMachine driven by the Config knobs the teacher already
// defined (K/SharedLayers/FC), as a shared fully-connected tower with
// policy and value heads — the FC shape keeps every layer's tensor
// algebra unambiguous without needing to replicate a convolutional
// kernel-shape/padding contract this pack never shows wired end to
// end.
type Dual struct {
	conf Config

	g    *G.ExprGraph
	x    *G.Node
	pi   *G.Node
	v    *G.Node
	vm   G.VM

	params map[string]*G.Node
}

// New builds an (untrained) Dual network for conf.
func New(conf Config) (*Dual, error) {
	if !conf.IsValid() {
		return nil, fmt.Errorf("dual: invalid config %+v", conf)
	}

	g := G.NewGraph()
	inSize := conf.Features * conf.Width * conf.Height
	x := G.NewMatrix(g, tensor.Float32, G.WithShape(conf.BatchSize, inSize), G.WithName("x"))

	params := make(map[string]*G.Node)
	h := x
	prevSize := inSize
	for l := 0; l < conf.SharedLayers; l++ {
		w := G.NewMatrix(g, tensor.Float32, G.WithShape(prevSize, conf.K), G.WithName(fmt.Sprintf("shared.%d.w", l)), G.WithInit(G.GlorotN(1.0)))
		b := G.NewVector(g, tensor.Float32, G.WithShape(conf.K), G.WithName(fmt.Sprintf("shared.%d.b", l)), G.WithInit(G.Zeroes()))
		params[w.Name()] = w
		params[b.Name()] = b

		lin, err := G.Mul(h, w)
		if err != nil {
			return nil, errors.Wrapf(err, "dual: shared layer %d matmul", l)
		}
		lin, err = G.BroadcastAdd(lin, b, nil, []byte{0})
		if err != nil {
			return nil, errors.Wrapf(err, "dual: shared layer %d bias add", l)
		}
		h, err = G.Rectify(lin)
		if err != nil {
			return nil, errors.Wrapf(err, "dual: shared layer %d relu", l)
		}
		prevSize = conf.K
	}

	piW := G.NewMatrix(g, tensor.Float32, G.WithShape(prevSize, conf.ActionSpace), G.WithName("policy.w"), G.WithInit(G.GlorotN(1.0)))
	piB := G.NewVector(g, tensor.Float32, G.WithShape(conf.ActionSpace), G.WithName("policy.b"), G.WithInit(G.Zeroes()))
	params[piW.Name()] = piW
	params[piB.Name()] = piB
	piLogits, err := G.Mul(h, piW)
	if err != nil {
		return nil, errors.Wrap(err, "dual: policy head matmul")
	}
	piLogits, err = G.BroadcastAdd(piLogits, piB, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrap(err, "dual: policy head bias add")
	}
	pi, err := G.SoftMax(piLogits)
	if err != nil {
		return nil, errors.Wrap(err, "dual: policy softmax")
	}

	valueDims := conf.ValueDims()
	vW := G.NewMatrix(g, tensor.Float32, G.WithShape(conf.FC, valueDims), G.WithName("value.w"), G.WithInit(G.GlorotN(1.0)))
	vHiddenW := G.NewMatrix(g, tensor.Float32, G.WithShape(prevSize, conf.FC), G.WithName("value.hidden.w"), G.WithInit(G.GlorotN(1.0)))
	vHiddenB := G.NewVector(g, tensor.Float32, G.WithShape(conf.FC), G.WithName("value.hidden.b"), G.WithInit(G.Zeroes()))
	vB := G.NewVector(g, tensor.Float32, G.WithShape(valueDims), G.WithName("value.b"), G.WithInit(G.Zeroes()))
	params[vW.Name()] = vW
	params[vHiddenW.Name()] = vHiddenW
	params[vHiddenB.Name()] = vHiddenB
	params[vB.Name()] = vB

	vHidden, err := G.Mul(h, vHiddenW)
	if err != nil {
		return nil, errors.Wrap(err, "dual: value hidden matmul")
	}
	vHidden, err = G.BroadcastAdd(vHidden, vHiddenB, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrap(err, "dual: value hidden bias add")
	}
	vHidden, err = G.Rectify(vHidden)
	if err != nil {
		return nil, errors.Wrap(err, "dual: value hidden relu")
	}
	vOut, err := G.Mul(vHidden, vW)
	if err != nil {
		return nil, errors.Wrap(err, "dual: value head matmul")
	}
	vOut, err = G.BroadcastAdd(vOut, vB, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrap(err, "dual: value head bias add")
	}
	// A logit-value head is left as raw {win, lose, draw} logits —
	// softmax and the win-lose collapse happen downstream in actor.
	// A scalar head is squashed into [-1, 1] here, as before.
	var v *G.Node
	if conf.LogitValue {
		v = vOut
	} else {
		v, err = G.Tanh(vOut)
		if err != nil {
			return nil, errors.Wrap(err, "dual: value tanh")
		}
	}

	return &Dual{
		conf:   conf,
		g:      g,
		x:      x,
		pi:     pi,
		v:      v,
		vm:     G.NewTapeMachine(g),
		params: params,
	}, nil
}

// Forward runs one batch through the graph, returning flat policy
// ([]float32, batchSize*actionSpace) and value ([]float32,
// batchSize*ValueDims()) slices, mirroring the model artifact's
// forward(inputs) -> {"pi","v"} contract.
func (d *Dual) Forward(input []float32) (policy, value []float32, err error) {
	if err := G.Let(d.x, tensor.New(tensor.WithBacking(input), tensor.WithShape(d.x.Shape()...))); err != nil {
		return nil, nil, errors.Wrap(err, "dual: bind input")
	}
	if err := d.vm.RunAll(); err != nil {
		return nil, nil, errors.Wrap(err, "dual: forward pass")
	}
	defer d.vm.Reset()

	piVal := d.pi.Value().Data().([]float32)
	vVal := d.v.Value().Data().([]float32)
	policy = make([]float32, len(piVal))
	copy(policy, piVal)
	value = make([]float32, len(vVal))
	copy(value, vVal)
	return policy, value, nil
}

// StateDict returns a name -> value snapshot of every learnable
// parameter, the scripted model's parameter/buffer state dictionary.
func (d *Dual) StateDict() map[string]*tensor.Dense {
	out := make(map[string]*tensor.Dense, len(d.params))
	for name, n := range d.params {
		if dv, ok := n.Value().(*tensor.Dense); ok {
			out[name] = dv.Clone().(*tensor.Dense)
		}
	}
	return out
}

// LoadStateDict overwrites every parameter named in sd. Unknown names
// are a ModelLookupFailure per spec.md §7.
func (d *Dual) LoadStateDict(sd map[string]*tensor.Dense) error {
	for name, val := range sd {
		n, ok := d.params[name]
		if !ok {
			return fmt.Errorf("dual: update_model: unknown parameter %q", name)
		}
		if err := G.Let(n, val); err != nil {
			return errors.Wrapf(err, "dual: load parameter %q", name)
		}
	}
	return nil
}

// Config returns the network's configuration.
func (d *Dual) Config() Config { return d.conf }
