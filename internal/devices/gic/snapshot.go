package gic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/gic/internal/hv"
)

// StateVersion is the version of the MarshalBinary layout. Restoring any
// other version fails.
const StateVersion uint32 = 1

type stateHeader struct {
	Version uint32
	NumCPU  uint16
	NumIRQ  uint16
	Mode    uint8
	Enabled uint8
}

// cpuTail follows a CPU's enable flag, private priorities and active chain.
// BinaryPoint is stored last as it takes no part in arbitration.
type cpuTail struct {
	PriorityMask    uint8
	RunningID       uint16
	RunningPriority uint16
	BestPending     uint16
	BinaryPoint     uint8
}

// lineRecord follows the line's target byte. Level is stored last.
type lineRecord struct {
	Enabled   uint8
	Pending   uint8
	Active    uint8
	Broadcast uint8
	Edge      uint8
	Level     uint8
}

// MarshalBinary encodes the line table and every CPU's arbitration state.
// Each CPU is written as its enable flag, 32 private priorities, the active
// chain and then the cpuTail. The target mask of each line is omitted in
// embedded mode.
func (c *Controller) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	w := &buf

	hdr := stateHeader{
		Version: StateVersion,
		NumCPU:  uint16(c.numCPU),
		NumIRQ:  uint16(c.numIRQ),
		Mode:    uint8(c.cfg.Mode),
		Enabled: uint8(boolBit(c.enabled)),
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("gic: write header: %w", err)
	}

	lastActive := make([]uint16, c.numIRQ)
	for cpu := range c.cpus {
		st := &c.cpus[cpu]
		buf.WriteByte(uint8(boolBit(st.enabled)))
		buf.Write(c.privatePrio[cpu][:])
		for id, prev := range st.lastActive {
			lastActive[id] = uint16(prev)
		}
		if err := binary.Write(w, binary.LittleEndian, lastActive); err != nil {
			return nil, fmt.Errorf("gic: write cpu %d active chain: %w", cpu, err)
		}
		tail := cpuTail{
			PriorityMask:    st.priorityMask,
			RunningID:       uint16(st.runningID),
			RunningPriority: uint16(st.runningPriority),
			BestPending:     uint16(st.bestPending),
			BinaryPoint:     st.binaryPoint,
		}
		if err := binary.Write(w, binary.LittleEndian, &tail); err != nil {
			return nil, fmt.Errorf("gic: write cpu %d: %w", cpu, err)
		}
	}

	if err := binary.Write(w, binary.LittleEndian, c.sharedPriority); err != nil {
		return nil, fmt.Errorf("gic: write priorities: %w", err)
	}

	embedded := c.cfg.Mode == ModeEmbedded
	for id := range c.lines {
		l := &c.lines[id]
		if !embedded {
			buf.WriteByte(uint8(l.target))
		}
		rec := lineRecord{
			Enabled:   uint8(l.enabled),
			Pending:   uint8(l.pending),
			Active:    uint8(l.active),
			Broadcast: uint8(boolBit(l.broadcast)),
			Edge:      uint8(boolBit(l.edge)),
			Level:     uint8(l.level),
		}
		if err := binary.Write(w, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("gic: write line %d: %w", id, err)
		}
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary restores state written by MarshalBinary into a controller
// with the same shape, then re-runs arbitration and drives the outputs.
func (c *Controller) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)

	var hdr stateHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("gic: read header: %w", err)
	}
	if hdr.Version != StateVersion {
		return fmt.Errorf("%w: %d (want %d)", ErrSnapshotVersion, hdr.Version, StateVersion)
	}
	if int(hdr.NumCPU) != c.numCPU || int(hdr.NumIRQ) != c.numIRQ || Mode(hdr.Mode) != c.cfg.Mode {
		return fmt.Errorf("gic: snapshot shape cpus=%d irqs=%d mode=%s does not match %s",
			hdr.NumCPU, hdr.NumIRQ, Mode(hdr.Mode), c)
	}

	// Decode into scratch state so a truncated snapshot leaves c untouched.
	cpus := make([]cpuState, c.numCPU)
	privatePrio := make([][PrivateLines]uint8, c.numCPU)
	lastActive := make([]uint16, c.numIRQ)
	for cpu := range cpus {
		enabled, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("gic: read cpu %d: %w", cpu, err)
		}
		if _, err := io.ReadFull(r, privatePrio[cpu][:]); err != nil {
			return fmt.Errorf("gic: read cpu %d priorities: %w", cpu, err)
		}
		if err := binary.Read(r, binary.LittleEndian, lastActive); err != nil {
			return fmt.Errorf("gic: read cpu %d active chain: %w", cpu, err)
		}
		var tail cpuTail
		if err := binary.Read(r, binary.LittleEndian, &tail); err != nil {
			return fmt.Errorf("gic: read cpu %d: %w", cpu, err)
		}
		st := cpuState{
			enabled:         enabled != 0,
			priorityMask:    tail.PriorityMask,
			binaryPoint:     tail.BinaryPoint,
			runningID:       int(tail.RunningID),
			runningPriority: int(tail.RunningPriority),
			bestPending:     int(tail.BestPending),
			lastActive:      make([]int, c.numIRQ),
		}
		for id, prev := range lastActive {
			st.lastActive[id] = int(prev)
		}
		if err := c.checkCPUState(cpu, &st); err != nil {
			return err
		}
		cpus[cpu] = st
	}

	sharedPriority := make([]uint8, c.numIRQ-PrivateLines)
	if _, err := io.ReadFull(r, sharedPriority); err != nil {
		return fmt.Errorf("gic: read priorities: %w", err)
	}

	embedded := c.cfg.Mode == ModeEmbedded
	lines := make([]line, c.numIRQ)
	for id := range lines {
		target := CPUBit(0)
		if !embedded {
			b, err := r.ReadByte()
			if err != nil {
				return fmt.Errorf("gic: read line %d target: %w", id, err)
			}
			target = CPUSet(b) & c.allCPUs
		}
		var rec lineRecord
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return fmt.Errorf("gic: read line %d: %w", id, err)
		}
		lines[id] = line{
			enabled:   CPUSet(rec.Enabled) & c.allCPUs,
			pending:   CPUSet(rec.Pending) & c.allCPUs,
			active:    CPUSet(rec.Active) & c.allCPUs,
			level:     CPUSet(rec.Level) & c.allCPUs,
			broadcast: rec.Broadcast != 0,
			edge:      rec.Edge != 0,
			target:    target,
		}
	}
	if r.Len() != 0 {
		return fmt.Errorf("gic: %d trailing bytes in snapshot", r.Len())
	}

	c.enabled = hdr.Enabled != 0
	for cpu := range cpus {
		// Outputs are re-driven below from the restored state.
		cpus[cpu].output = c.cpus[cpu].output
	}
	c.cpus = cpus
	c.privatePrio = privatePrio
	c.sharedPriority = sharedPriority
	c.lines = lines
	c.update()
	return nil
}

// checkCPUState rejects restored ids and priorities the controller could
// never have produced.
func (c *Controller) checkCPUState(cpu int, st *cpuState) error {
	validID := func(id int) bool { return id == SpuriousID || (id >= 0 && id < c.numIRQ) }

	if !validID(st.runningID) {
		return fmt.Errorf("gic: snapshot cpu %d running id %d out of range", cpu, st.runningID)
	}
	if st.runningPriority > idlePriority {
		return fmt.Errorf("gic: snapshot cpu %d running priority %#x out of range", cpu, st.runningPriority)
	}
	if (st.runningID == SpuriousID) != (st.runningPriority == idlePriority) {
		return fmt.Errorf("gic: snapshot cpu %d running id %d with priority %#x", cpu, st.runningID, st.runningPriority)
	}
	if !validID(st.bestPending) {
		return fmt.Errorf("gic: snapshot cpu %d pending id %d out of range", cpu, st.bestPending)
	}
	for id, prev := range st.lastActive {
		if !validID(prev) {
			return fmt.Errorf("gic: snapshot cpu %d active chain entry %d -> %d out of range", cpu, id, prev)
		}
	}
	return nil
}

// Snapshot support ----------------------------------------------------------

type controllerSnapshot struct {
	State []byte
	Stats []Stats
}

// DeviceId implements hv.DeviceSnapshotter.
func (c *Controller) DeviceId() string { return c.cfg.Name }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (c *Controller) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	state, err := c.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &controllerSnapshot{
		State: state,
		Stats: append([]Stats(nil), c.stats...),
	}, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (c *Controller) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*controllerSnapshot)
	if !ok {
		return fmt.Errorf("gic: invalid snapshot type %T", snap)
	}
	if err := c.UnmarshalBinary(data.State); err != nil {
		return err
	}
	clear(c.stats)
	copy(c.stats, data.Stats)
	return nil
}

var _ hv.DeviceSnapshotter = (*Controller)(nil)
