package hv

import (
	"errors"
	"fmt"
)

var (
	ErrMachineHalted = errors.New("machine halted")
)

// Device is the minimal contract every emulated device satisfies.
type Device interface {
	Init(m Machine) error
}

// Machine is the surface a device sees of the machine it is attached to.
type Machine interface {
	Name() string
	CPUCount() int
}

// ExitContext describes the virtual CPU whose access caused a device exit.
// Banked registers use it to select the per-CPU copy; there is no global
// notion of the current CPU.
type ExitContext interface {
	CPUIndex() int
}

// CPUContext is an ExitContext for a fixed CPU index.
type CPUContext int

// CPUIndex implements ExitContext.
func (c CPUContext) CPUIndex() int { return int(c) }

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether the access [addr, addr+size) lies inside the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

func (r MMIORegion) String() string {
	return fmt.Sprintf("[0x%x-0x%x)", r.Address, r.Address+r.Size)
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// DeviceSnapshot is an opaque, gob-encodable device state blob.
type DeviceSnapshot any

// DeviceSnapshotter is implemented by devices that can save and restore state.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}

// SimpleMachine is a Machine backed by plain values.
type SimpleMachine struct {
	MachineName string
	NumCPUs     int
}

func (m SimpleMachine) Name() string  { return m.MachineName }
func (m SimpleMachine) CPUCount() int { return m.NumCPUs }

var (
	_ Machine     = SimpleMachine{}
	_ ExitContext = CPUContext(0)
)
