package chipset

import "sync"

// LineSet hands out LineInterrupt handles for the numbered inputs of an
// interrupt controller, filters redundant level changes and relays
// end-of-interrupt notifications back to the devices that own the lines.
type LineSet struct {
	mu sync.Mutex

	sink LineSink

	lines map[int]*lineState
	eoi   map[int][]func()
}

// NewLineSet builds a LineSet that forwards level changes to the provided sink.
func NewLineSet(sink LineSink) *LineSet {
	if sink == nil {
		sink = noopLineSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[int]*lineState),
		eoi:   make(map[int][]func()),
	}
}

// AllocateLine returns a LineInterrupt handle for the given input line.
func (l *LineSet) AllocateLine(index int) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[index]; !ok {
		l.lines[index] = &lineState{}
	}
	return &lineHandle{owner: l, index: index}
}

// Level reports the last level driven on the line.
func (l *LineSet) Level(index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state := l.lines[index]; state != nil {
		return state.level
	}
	return false
}

// RegisterEOICallback registers a callback for the given input line.
// The callback is invoked when HandleEOI is called for the same line.
func (l *LineSet) RegisterEOICallback(index int, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[index] = append(l.eoi[index], fn)
}

// HandleEOI notifies listeners that an EOI was signalled for the line.
func (l *LineSet) HandleEOI(index int) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[index]...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	index int
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.index, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.index)
}

func (l *LineSet) setLevel(index int, high bool) {
	l.mu.Lock()
	state := l.lines[index]
	if state == nil {
		state = &lineState{}
		l.lines[index] = state
	}
	changed := state.level != high
	state.level = high
	l.mu.Unlock()

	if changed {
		l.sink.SetLine(index, high)
	}
}

func (l *LineSet) pulse(index int) {
	l.mu.Lock()
	state := l.lines[index]
	if state == nil {
		state = &lineState{}
		l.lines[index] = state
	}
	state.level = false
	l.mu.Unlock()

	l.sink.SetLine(index, true)
	l.sink.SetLine(index, false)
}

type noopLineSink struct{}

func (noopLineSink) SetLine(int, bool) {}
