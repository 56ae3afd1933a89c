package gic

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/gic/internal/chipset"
	"github.com/tinyrange/gic/internal/hv"
)

// CurrentCPU binds a CPU interface window to whichever CPU performs the
// access.
const CurrentCPU = -1

// CPUWindow places one CPU interface window.
type CPUWindow struct {
	Base uint64
	// CPU is the interface the window is bound to, or CurrentCPU.
	CPU int
}

// Layout places a controller's register windows in the physical address
// space. Embedded controllers only have a distributor window.
type Layout struct {
	DistributorBase uint64
	CPUWindows      []CPUWindow
}

// Device exposes a Controller as a chipset device. Each CPU window is a
// thin view onto the shared controller bound to a CPU index.
type Device struct {
	ctrl   *Controller
	layout Layout
}

// NewDevice builds a controller and the MMIO views over it.
func NewDevice(cfg Config, layout Layout) (*Device, error) {
	ctrl, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if ctrl.Mode() == ModeEmbedded && len(layout.CPUWindows) != 0 {
		return nil, fmt.Errorf("%w: embedded controller %q has CPU interface windows", ErrInvalidConfig, ctrl.Name())
	}
	for _, w := range layout.CPUWindows {
		if w.CPU != CurrentCPU && !ctrl.validCPU(w.CPU) {
			return nil, fmt.Errorf("%w: CPU window at 0x%x bound to cpu %d", ErrInvalidConfig, w.Base, w.CPU)
		}
	}
	return &Device{ctrl: ctrl, layout: layout}, nil
}

// Controller returns the underlying interrupt controller.
func (d *Device) Controller() *Controller { return d.ctrl }

// Layout returns the register window placement.
func (d *Device) Layout() Layout {
	l := d.layout
	l.CPUWindows = append([]CPUWindow(nil), d.layout.CPUWindows...)
	return l
}

// Init implements hv.Device.
func (d *Device) Init(m hv.Machine) error {
	if m.CPUCount() < d.ctrl.NumCPU() {
		return fmt.Errorf("gic %q: machine %q has %d CPUs, controller needs %d",
			d.ctrl.Name(), m.Name(), m.CPUCount(), d.ctrl.NumCPU())
	}
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (d *Device) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (d *Device) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (d *Device) Reset() error {
	d.ctrl.Reset()
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: d.MMIORegions(),
		Handler: d,
	}
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (d *Device) MMIORegions() []hv.MMIORegion {
	regions := []hv.MMIORegion{{Address: d.layout.DistributorBase, Size: DistributorSize}}
	for _, w := range d.layout.CPUWindows {
		regions = append(regions, hv.MMIORegion{Address: w.Base, Size: CPUInterfaceSize})
	}
	return regions
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (d *Device) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	var (
		value uint32
		err   error
	)
	if offset, ok := d.distOffset(addr); ok {
		value, err = d.ctrl.ReadDistributor(d.accessCPU(ctx), offset, len(data))
	} else if w, offset, ok := d.cpuWindow(addr); ok {
		value, err = d.ctrl.ReadCPUInterface(d.windowCPU(ctx, w), offset, len(data))
	} else {
		return fmt.Errorf("gic %q: read outside register windows at 0x%x", d.ctrl.Name(), addr)
	}
	if err != nil {
		return err
	}
	writeLE(data, value)
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (d *Device) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	value := readLE(data)
	if offset, ok := d.distOffset(addr); ok {
		return d.ctrl.WriteDistributor(d.accessCPU(ctx), offset, len(data), value)
	}
	if w, offset, ok := d.cpuWindow(addr); ok {
		return d.ctrl.WriteCPUInterface(d.windowCPU(ctx, w), offset, len(data), value)
	}
	return fmt.Errorf("gic %q: write outside register windows at 0x%x", d.ctrl.Name(), addr)
}

func (d *Device) distOffset(addr uint64) (uint32, bool) {
	base := d.layout.DistributorBase
	if addr < base || addr >= base+DistributorSize {
		return 0, false
	}
	return uint32(addr - base), true
}

func (d *Device) cpuWindow(addr uint64) (CPUWindow, uint32, bool) {
	for _, w := range d.layout.CPUWindows {
		if addr >= w.Base && addr < w.Base+CPUInterfaceSize {
			return w, uint32(addr - w.Base), true
		}
	}
	return CPUWindow{}, 0, false
}

func (d *Device) windowCPU(ctx hv.ExitContext, w CPUWindow) int {
	if w.CPU != CurrentCPU {
		return w.CPU
	}
	return d.accessCPU(ctx)
}

// accessCPU resolves the CPU an access is made on behalf of. A uniprocessor
// controller treats every access as coming from its only CPU.
func (d *Device) accessCPU(ctx hv.ExitContext) int {
	if d.ctrl.NumCPU() == 1 || ctx == nil {
		return 0
	}
	return ctx.CPUIndex()
}

// DeviceId implements hv.DeviceSnapshotter.
func (d *Device) DeviceId() string { return d.ctrl.DeviceId() }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (d *Device) CaptureSnapshot() (hv.DeviceSnapshot, error) { return d.ctrl.CaptureSnapshot() }

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (d *Device) RestoreSnapshot(snap hv.DeviceSnapshot) error { return d.ctrl.RestoreSnapshot(snap) }

func readLE(data []byte) uint32 {
	if len(data) < 4 {
		var tmp [4]byte
		copy(tmp[:], data)
		return binary.LittleEndian.Uint32(tmp[:])
	}
	return binary.LittleEndian.Uint32(data)
}

func writeLE(data []byte, value uint32) {
	if len(data) >= 4 {
		binary.LittleEndian.PutUint32(data, value)
		return
	}
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], value)
	copy(data, tmp[:len(data)])
}

var (
	_ chipset.ChipsetDevice   = (*Device)(nil)
	_ hv.MemoryMappedIODevice = (*Device)(nil)
	_ hv.DeviceSnapshotter    = (*Device)(nil)
)
