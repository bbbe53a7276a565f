package tube

// Trajectory is the common append-only interface over the three
// trajectory kinds spec.md §3 names. PrepareForSend copies the next
// logical chunk into dst (row-major, flat) and reports whether
// anything was copied.
type Trajectory interface {
	Push(row []float32)
	PrepareForSend(dst []float32) bool
	Shape() []int
}

func rowLen(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// FixedLengthTrajectory is a ring buffer of L rows: Push writes into
// slot (next++) mod L, and the "trajectory" is always the full L rows
// in ring order. Grounded on spec.md §3's FixedLength description.
type FixedLengthTrajectory struct {
	length int
	row    int
	data   []float32
	next   int
	filled int
}

// NewFixedLengthTrajectory allocates an L-row ring buffer where each
// row has rowShape's element count.
func NewFixedLengthTrajectory(length int, rowShape ...int) *FixedLengthTrajectory {
	rl := rowLen(rowShape)
	return &FixedLengthTrajectory{
		length: length,
		row:    rl,
		data:   make([]float32, length*rl),
	}
}

func (t *FixedLengthTrajectory) Push(row []float32) {
	copy(t.data[t.next*t.row:(t.next+1)*t.row], row)
	t.next = (t.next + 1) % t.length
	if t.filled < t.length {
		t.filled++
	}
}

// PrepareForSend copies the full [L, ...] buffer into dst in ring
// order (oldest row first) and always returns true once at least one
// row has been pushed.
func (t *FixedLengthTrajectory) PrepareForSend(dst []float32) bool {
	if t.filled == 0 {
		return false
	}
	start := t.next
	if t.filled < t.length {
		start = 0
	}
	for i := 0; i < t.length; i++ {
		src := (start + i) % t.length
		copy(dst[i*t.row:(i+1)*t.row], t.data[src*t.row:(src+1)*t.row])
	}
	return true
}

func (t *FixedLengthTrajectory) Shape() []int { return []int{t.length, t.row} }

// EpisodicTrajectory appends to an internal vector; PrepareForSend pops
// the most recently pushed row. Grounded on spec.md §3's Episodic
// description.
type EpisodicTrajectory struct {
	row  int
	rows [][]float32
}

func NewEpisodicTrajectory(rowShape ...int) *EpisodicTrajectory {
	return &EpisodicTrajectory{row: rowLen(rowShape)}
}

func (t *EpisodicTrajectory) Push(row []float32) {
	cp := make([]float32, t.row)
	copy(cp, row)
	t.rows = append(t.rows, cp)
}

// PrepareForSend pops the back element into dst and returns true iff
// the trajectory was nonempty.
func (t *EpisodicTrajectory) PrepareForSend(dst []float32) bool {
	if len(t.rows) == 0 {
		return false
	}
	last := t.rows[len(t.rows)-1]
	t.rows = t.rows[:len(t.rows)-1]
	copy(dst, last)
	return true
}

func (t *EpisodicTrajectory) Shape() []int { return []int{t.row} }

// Len reports how many rows are still queued.
func (t *EpisodicTrajectory) Len() int { return len(t.rows) }

// IndefiniteTrajectory appends to an unbounded deque; PrepareForSend
// returns false until at least L rows are queued, then copies the
// first L out (FIFO) and drops them. Grounded on spec.md §3's
// Indefinite description.
type IndefiniteTrajectory struct {
	length int
	row    int
	rows   [][]float32
}

func NewIndefiniteTrajectory(length int, rowShape ...int) *IndefiniteTrajectory {
	return &IndefiniteTrajectory{length: length, row: rowLen(rowShape)}
}

func (t *IndefiniteTrajectory) Push(row []float32) {
	cp := make([]float32, t.row)
	copy(cp, row)
	t.rows = append(t.rows, cp)
}

func (t *IndefiniteTrajectory) PrepareForSend(dst []float32) bool {
	if len(t.rows) < t.length {
		return false
	}
	for i := 0; i < t.length; i++ {
		copy(dst[i*t.row:(i+1)*t.row], t.rows[i])
	}
	t.rows = t.rows[t.length:]
	return true
}

func (t *IndefiniteTrajectory) Shape() []int { return []int{t.length, t.row} }
