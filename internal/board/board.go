package board

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/gic/internal/chipset"
	"github.com/tinyrange/gic/internal/devices/gic"
	"github.com/tinyrange/gic/internal/hv"
)

// Options carries the host side of a board.
type Options struct {
	// CPUIRQs are the per-CPU interrupt request inputs. Missing entries are
	// left detached; the board still records their level.
	CPUIRQs []chipset.LineInterrupt
	Logger  *slog.Logger
}

// Board is an assembled interrupt layout: its controllers registered on a
// chipset, per-CPU IRQ outputs and the external line inputs device models
// drive.
type Board struct {
	desc    Description
	machine hv.SimpleMachine
	chipset *chipset.Chipset
	log     *slog.Logger

	devices []*gic.Device
	// consumers are the controllers fed directly by the line set.
	consumers []*gic.Device
	sink      chipset.LineSink
	lines     *chipset.LineSet
	outputs   []*outputRecorder
	configs   []hv.DeviceConfig

	// halted is set by a register fault and cleared by Reset.
	halted error
}

// outputRecorder remembers the last level driven on a CPU input.
type outputRecorder struct {
	level bool
	next  chipset.LineInterrupt
}

func (o *outputRecorder) SetLevel(level bool) {
	o.level = level
	o.next.SetLevel(level)
}

func (o *outputRecorder) PulseInterrupt() {
	o.level = false
	o.next.PulseInterrupt()
}

// Build assembles the board described by desc.
func Build(desc Description, opts Options) (*Board, error) {
	desc.normalize()
	if err := desc.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &Board{
		desc:    desc,
		machine: hv.SimpleMachine{MachineName: desc.Name, NumCPUs: desc.CPUs},
		log:     opts.Logger.With("board", desc.Name),
		outputs: make([]*outputRecorder, desc.CPUs),
	}
	for cpu := range b.outputs {
		next := chipset.LineInterruptDetached()
		if cpu < len(opts.CPUIRQs) && opts.CPUIRQs[cpu] != nil {
			next = opts.CPUIRQs[cpu]
		}
		b.outputs[cpu] = &outputRecorder{next: next}
	}

	a := &assembly{board: b, builder: chipset.NewBuilder(), logger: opts.Logger}
	var err error
	switch desc.Variant {
	case VariantNVIC:
		err = a.nvic()
	case VariantRealViewGIC:
		err = a.realviewGIC()
	case VariantMPCore, VariantARM11MPCore:
		err = a.mpcore()
	case VariantRealViewEBMPCore:
		err = a.realviewEBMPCore()
	}
	if err != nil {
		return nil, fmt.Errorf("board %q: %w", desc.Name, err)
	}

	cs, err := a.builder.Build(b.machine)
	if err != nil {
		return nil, fmt.Errorf("board %q: %w", desc.Name, err)
	}
	b.chipset = cs
	b.lines = chipset.NewLineSet(b.sink)
	for _, dev := range b.consumers {
		dev.Controller().SetEOIHook(b.lines)
	}

	b.log.Debug("board assembled", "variant", desc.Variant, "cpus", desc.CPUs, "devices", cs.DeviceNames())
	return b, nil
}

func (b *Board) Description() Description { return b.desc }
func (b *Board) NumCPU() int              { return b.desc.CPUs }

// Chipset returns the MMIO dispatch table of the board.
func (b *Board) Chipset() *chipset.Chipset { return b.chipset }

// Lines returns the external line inputs. Index 0 is the first shared line
// of the primary controller, or baseboard line 0 behind the fan-out router.
func (b *Board) Lines() *chipset.LineSet { return b.lines }

// Controllers returns every controller in registration order. The first is
// the one wired to the CPUs.
func (b *Board) Controllers() []*gic.Controller {
	ctrls := make([]*gic.Controller, len(b.devices))
	for i, dev := range b.devices {
		ctrls[i] = dev.Controller()
	}
	return ctrls
}

// Device returns the controller device registered under name.
func (b *Board) Device(name string) (*gic.Device, bool) {
	for _, dev := range b.devices {
		if dev.Controller().Name() == name {
			return dev, true
		}
	}
	return nil, false
}

// Primary returns the controller driving the CPU IRQ inputs.
func (b *Board) Primary() *gic.Device { return b.devices[0] }

// Output reports the level last driven on cpu's IRQ input.
func (b *Board) Output(cpu int) bool {
	if cpu < 0 || cpu >= len(b.outputs) {
		return false
	}
	return b.outputs[cpu].level
}

// SetLine drives external line index through the board's line set.
func (b *Board) SetLine(index int, level bool) {
	b.lines.AllocateLine(index).SetLevel(level)
}

// HandleMMIO performs a register access on behalf of cpu. A register fault
// halts the board: it is returned wrapped in hv.ErrMachineHalted, and every
// later access fails the same way until Reset.
func (b *Board) HandleMMIO(cpu int, addr uint64, data []byte, isWrite bool) error {
	if b.halted != nil {
		return fmt.Errorf("board %q: %w", b.desc.Name, b.halted)
	}
	if cpu < 0 || cpu >= b.desc.CPUs {
		return fmt.Errorf("board %q: access from unknown cpu %d", b.desc.Name, cpu)
	}
	err := b.chipset.HandleMMIO(hv.CPUContext(cpu), addr, data, isWrite)
	if errors.Is(err, gic.ErrBadRegister) {
		b.halted = fmt.Errorf("%w: %w", hv.ErrMachineHalted, err)
		b.log.Error("board halted", "cpu", cpu, "addr", fmt.Sprintf("0x%x", addr), "err", err)
		return b.halted
	}
	return err
}

// Halted reports the register fault that stopped the board, if any.
func (b *Board) Halted() error { return b.halted }

// Reset returns every controller to its power-on state and clears a halt.
func (b *Board) Reset() error {
	b.halted = nil
	return b.chipset.Reset()
}

// ConfigHash identifies the board layout for snapshot compatibility.
func (b *Board) ConfigHash() hv.ConfigHash {
	return hv.ComputeConfigHash(b.desc.Name, b.desc.CPUs, b.configs)
}

func (b *Board) String() string {
	return fmt.Sprintf("Board(%s, variant=%s, cpus=%d, controllers=%d)", b.desc.Name, b.desc.Variant, b.desc.CPUs, len(b.devices))
}
