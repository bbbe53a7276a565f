package dualnet

// Config configures the neural network
type Config struct {
	K            int  `json:"k"`             // width of each shared hidden layer
	SharedLayers int  `json:"shared_layers"` // number of shared fully-connected layers
	FC           int  `json:"fc"`            // fc layer width
	BatchSize    int  `json:"batch_size"`    // batch size
	Width        int  `json:"width"`         // board size width
	Height       int  `json:"height"`        // board size height
	Features     int  `json:"features"`      // feature counts
	ActionSpace  int  `json:"action_space"`  // action space
	FwdOnly      bool `json:"fwd_only"`      // is this a fwd only graph?

	// LogitValue selects a 3-logit {win, lose, draw} value head instead
	// of a single scalar-in-[-1,1] one, per spec.md §6's "v output is
	// either 1-d ... or 3-d (logits for {win, lose, draw})".
	LogitValue bool `json:"logit_value"`
}

// ValueDims is the v output's width: 3 for a logit {win, lose, draw}
// head, 1 for a scalar head.
func (c Config) ValueDims() int {
	if c.LogitValue {
		return 3
	}
	return 1
}

func DefaultConf(m, n, actionSpace int) Config {
	k := round((m * n) / 3)
	return Config{
		K:            k,
		SharedLayers: m,
		FC:           2 * k,
		BatchSize:    256,
		Width:        n,
		Height:       m,
		Features:     18,
		ActionSpace:  actionSpace,
	}
}

func (conf Config) IsValid() bool {
	return conf.K >= 1 &&
		conf.ActionSpace >= 3 &&
		// conf.SharedLayers >= conf.BoardSize &&
		conf.SharedLayers >= 0 &&
		conf.FC > 1 &&
		conf.BatchSize >= 1 &&
		// conf.ActionSpace >= conf.Width*conf.Height &&
		conf.Features > 0
}

func round(a int) int {
	n := a - 1
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n++

	lt := n / 2
	if (a - lt) < (n - a) {
		return lt
	}
	return n
}
