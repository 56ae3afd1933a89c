// Package gic models the ARM generic interrupt controller family used by the
// RealView, MPCore and Cortex-M boards: a distributor tracking every line
// across up to eight CPUs, a per-CPU arbitration step that drives each CPU's
// IRQ output, and the acknowledge/end-of-interrupt protocol of the CPU
// interface.
//
// A Controller is not safe for concurrent use. The machine serializes all
// device accesses, and every mutating call re-runs arbitration and drives the
// outputs before it returns.
package gic

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/gic/internal/chipset"
)

const (
	// SpuriousID is returned when no interrupt can be acknowledged.
	SpuriousID = 1023
	// MaxIRQ is the largest supported number of lines.
	MaxIRQ = 1020
	// MaxCPU is the largest supported number of CPU interfaces.
	MaxCPU = 8
	// PrivateLines is the number of banked per-CPU lines.
	PrivateLines = 32
	// SGILines is the number of software generated interrupts.
	SGILines = 16

	idlePriority = 0x100
	resetMask    = 0xf0
)

var (
	// ErrInvalidConfig is returned by New for an unsupported shape.
	ErrInvalidConfig = errors.New("invalid interrupt controller configuration")
	// ErrBadRegister is wrapped by every RegisterError.
	ErrBadRegister = errors.New("bad register access")
	// ErrSnapshotVersion is returned when restoring another state version.
	ErrSnapshotVersion = errors.New("unsupported snapshot version")
)

// RegisterError describes an access that does not decode to a register.
// It is fatal for the emulated machine.
type RegisterError struct {
	Window string
	Offset uint32
	Size   int
	Write  bool
	Value  uint32
}

func (e *RegisterError) Error() string {
	if e.Write {
		return fmt.Sprintf("gic: bad %s write offset 0x%03x size %d value 0x%x", e.Window, e.Offset, e.Size, e.Value)
	}
	return fmt.Sprintf("gic: bad %s read offset 0x%03x size %d", e.Window, e.Offset, e.Size)
}

func (e *RegisterError) Unwrap() error { return ErrBadRegister }

// line is one row of the state table.
type line struct {
	enabled CPUSet
	pending CPUSet
	active  CPUSet
	level   CPUSet
	// broadcast selects the 1:N model: one acknowledge clears pending for
	// every targeted CPU.
	broadcast bool
	edge      bool
	target    CPUSet
}

type cpuState struct {
	enabled         bool
	priorityMask    uint8
	binaryPoint     uint8
	runningID       int
	runningPriority int
	bestPending     int
	// lastActive[id] is the id that was running when id was acknowledged.
	// Following it from runningID yields this CPU's preemption chain.
	lastActive []int
	output     bool
}

// Stats holds protocol counters for one CPU interface.
type Stats struct {
	Acknowledges uint64
	Spurious     uint64
	EOIs         uint64
}

// Controller is one interrupt controller instance.
type Controller struct {
	cfg     Config
	log     *slog.Logger
	numIRQ  int
	numCPU  int
	allCPUs CPUSet

	enabled bool

	lines          []line
	privatePrio    [][PrivateLines]uint8
	sharedPriority []uint8
	cpus           []cpuState
	outputs        []chipset.LineInterrupt
	stats          []Stats

	eoiHook EOIHook
}

// EOIHook is notified when a CPU retires a shared line.
type EOIHook interface {
	HandleEOI(index int)
}

// New builds a controller. An invalid configuration is a construction-time
// error; no partially configured controller is returned.
func New(cfg Config) (*Controller, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:            cfg,
		log:            cfg.Logger.With("device", cfg.Name),
		numIRQ:         cfg.NumIRQ,
		numCPU:         cfg.NumCPU,
		allCPUs:        AllCPUs(cfg.NumCPU),
		lines:          make([]line, cfg.NumIRQ),
		privatePrio:    make([][PrivateLines]uint8, cfg.NumCPU),
		sharedPriority: make([]uint8, cfg.NumIRQ-PrivateLines),
		cpus:           make([]cpuState, cfg.NumCPU),
		outputs:        make([]chipset.LineInterrupt, cfg.NumCPU),
		stats:          make([]Stats, cfg.NumCPU),
	}
	for cpu := range c.cpus {
		c.cpus[cpu].lastActive = make([]int, cfg.NumIRQ)
		c.outputs[cpu] = chipset.LineInterruptDetached()
		if cpu < len(cfg.Outputs) && cfg.Outputs[cpu] != nil {
			c.outputs[cpu] = cfg.Outputs[cpu]
		}
	}
	c.Reset()
	return c, nil
}

// Reset restores power-on state and drives the outputs low.
func (c *Controller) Reset() {
	embedded := c.cfg.Mode == ModeEmbedded

	for id := range c.lines {
		c.lines[id] = line{target: CPUBit(0)}
	}
	for id := 0; id < SGILines; id++ {
		c.lines[id].enabled = c.allCPUs
		c.lines[id].edge = true
	}
	for cpu := range c.privatePrio {
		c.privatePrio[cpu] = [PrivateLines]uint8{}
	}
	clear(c.sharedPriority)

	for cpu := range c.cpus {
		st := &c.cpus[cpu]
		st.enabled = embedded
		st.priorityMask = resetMask
		st.binaryPoint = 0
		st.runningID = SpuriousID
		st.runningPriority = idlePriority
		st.bestPending = SpuriousID
		for id := range st.lastActive {
			st.lastActive[id] = SpuriousID
		}
	}
	c.enabled = embedded
	clear(c.stats)

	c.update()
}

// SetOutput replaces the IRQ output line of cpu and drives its current level.
func (c *Controller) SetOutput(cpu int, out chipset.LineInterrupt) {
	if cpu < 0 || cpu >= c.numCPU {
		return
	}
	if out == nil {
		out = chipset.LineInterruptDetached()
	}
	c.outputs[cpu] = out
	out.SetLevel(c.cpus[cpu].output)
}

// SetEOIHook installs a hook invoked after a shared line is retired.
func (c *Controller) SetEOIHook(hook EOIHook) {
	c.eoiHook = hook
}

func (c *Controller) Name() string { return c.cfg.Name }
func (c *Controller) NumCPU() int  { return c.numCPU }
func (c *Controller) NumIRQ() int  { return c.numIRQ }
func (c *Controller) Mode() Mode   { return c.cfg.Mode }

// NumExternalLines is the number of lines reachable through SetLine.
func (c *Controller) NumExternalLines() int { return c.numIRQ - PrivateLines }

// Output reports the level last driven on cpu's IRQ output.
func (c *Controller) Output(cpu int) bool {
	if cpu < 0 || cpu >= c.numCPU {
		return false
	}
	return c.cpus[cpu].output
}

// RunningID reports the interrupt cpu is currently servicing.
func (c *Controller) RunningID(cpu int) int {
	if !c.validCPU(cpu) {
		return SpuriousID
	}
	return c.cpus[cpu].runningID
}

// CPUStats returns the protocol counters of cpu.
func (c *Controller) CPUStats(cpu int) Stats {
	if !c.validCPU(cpu) {
		return Stats{}
	}
	return c.stats[cpu]
}

// HighestPending reports the cached best candidate for cpu.
func (c *Controller) HighestPending(cpu int) int {
	if !c.validCPU(cpu) {
		return SpuriousID
	}
	return c.cpus[cpu].bestPending
}

func (c *Controller) String() string {
	return fmt.Sprintf("GIC(%s, cpus=%d, irqs=%d, mode=%s)", c.cfg.Name, c.numCPU, c.numIRQ, c.cfg.Mode)
}

func isPrivate(id int) bool {
	return id < PrivateLines
}

// bank is the set of CPUs whose copy of an enable/active bit an access from
// cpu touches.
func (c *Controller) bank(id, cpu int) CPUSet {
	if isPrivate(id) {
		return CPUBit(cpu)
	}
	return c.allCPUs
}

// deliverable is the set of CPUs that a pending edge or level on id reaches.
func (c *Controller) deliverable(id, cpu int) CPUSet {
	if isPrivate(id) {
		return CPUBit(cpu)
	}
	return c.lines[id].target
}

func (c *Controller) priority(id, cpu int) uint8 {
	if isPrivate(id) {
		return c.privatePrio[cpu][id]
	}
	return c.sharedPriority[id-PrivateLines]
}

func (c *Controller) setPriority(id, cpu int, prio uint8) {
	if isPrivate(id) {
		c.privatePrio[cpu][id] = prio
		return
	}
	c.sharedPriority[id-PrivateLines] = prio
}

func (c *Controller) validCPU(cpu int) bool {
	return cpu >= 0 && cpu < c.numCPU
}
