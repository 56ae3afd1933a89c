package board

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/gic/internal/chipset"
	"github.com/tinyrange/gic/internal/devices/gic"
	"github.com/tinyrange/gic/internal/devices/irqfanout"
	"github.com/tinyrange/gic/internal/hv"
)

const (
	// MPCore private region: per-CPU interface windows and the distributor.
	mpcoreCurrentCPUWindow = 0x100
	mpcoreCPUWindow0       = 0x200
	mpcoreCPUWindowStride  = 0x100
	mpcoreDistributor      = 0x1000

	// RealView GIC: CPU interface then distributor.
	realviewDistributor = 0x1000
	// Baseboard GICs on the EB MPCore, one per 64KiB.
	ebRealViewStride = 0x10000
	ebRealViewIRQs   = 96
	// The outputs of the baseboard GICs arrive on these MPCore inputs.
	ebCascadeLine = 10
)

// assembly carries the state shared by the variant constructors.
type assembly struct {
	board   *Board
	builder *chipset.ChipsetBuilder
	logger  *slog.Logger
}

func (a *assembly) addGIC(cfg gic.Config, layout gic.Layout) (*gic.Device, error) {
	cfg.Logger = a.logger
	dev, err := gic.NewDevice(cfg, layout)
	if err != nil {
		return nil, err
	}
	if err := a.builder.RegisterDevice(cfg.Name, dev); err != nil {
		return nil, err
	}

	ctrl := dev.Controller()
	a.board.devices = append(a.board.devices, dev)
	for _, region := range dev.MMIORegions() {
		a.board.configs = append(a.board.configs, hv.DeviceConfig{
			ID:    ctrl.Name(),
			Base:  region.Address,
			Size:  region.Size,
			Lines: uint32(ctrl.NumIRQ()),
			CPUs:  uint32(ctrl.NumCPU()),
		})
	}
	return dev, nil
}

// cpuOutputs returns the board's IRQ inputs for the first n CPUs.
func (a *assembly) cpuOutputs(n int) []chipset.LineInterrupt {
	outs := make([]chipset.LineInterrupt, n)
	for i := range outs {
		outs[i] = a.board.outputs[i]
	}
	return outs
}

func mpcoreLayout(base uint64, cpus int) gic.Layout {
	layout := gic.Layout{
		DistributorBase: base + mpcoreDistributor,
		CPUWindows:      []gic.CPUWindow{{Base: base + mpcoreCurrentCPUWindow, CPU: gic.CurrentCPU}},
	}
	for cpu := 0; cpu < cpus; cpu++ {
		layout.CPUWindows = append(layout.CPUWindows, gic.CPUWindow{
			Base: base + mpcoreCPUWindow0 + uint64(cpu)*mpcoreCPUWindowStride,
			CPU:  cpu,
		})
	}
	return layout
}

func realviewLayout(base uint64) gic.Layout {
	return gic.Layout{
		DistributorBase: base + realviewDistributor,
		CPUWindows:      []gic.CPUWindow{{Base: base, CPU: 0}},
	}
}

// nvic is a Cortex-M style controller: one CPU, interface registers folded
// into the distributor window.
func (a *assembly) nvic() error {
	d := a.board.desc
	dev, err := a.addGIC(gic.Config{
		Name:    "nvic",
		NumCPU:  1,
		NumIRQ:  d.IRQs,
		Mode:    gic.ModeEmbedded,
		Outputs: a.cpuOutputs(1),
	}, gic.Layout{DistributorBase: d.Base})
	if err != nil {
		return err
	}
	a.board.sink = dev.Controller()
	a.board.consumers = []*gic.Device{dev}
	return nil
}

func (a *assembly) realviewGIC() error {
	d := a.board.desc
	dev, err := a.addGIC(gic.Config{
		Name:    "gic",
		NumCPU:  1,
		NumIRQ:  d.IRQs,
		Outputs: a.cpuOutputs(1),
	}, realviewLayout(d.Base))
	if err != nil {
		return err
	}
	a.board.sink = dev.Controller()
	a.board.consumers = []*gic.Device{dev}
	return nil
}

func (a *assembly) mpcore() error {
	d := a.board.desc
	dev, err := a.addGIC(gic.Config{
		Name:    "mpcore",
		NumCPU:  d.CPUs,
		NumIRQ:  d.IRQs,
		Outputs: a.cpuOutputs(d.CPUs),
	}, mpcoreLayout(d.Base, d.CPUs))
	if err != nil {
		return err
	}
	a.board.sink = dev.Controller()
	a.board.consumers = []*gic.Device{dev}
	return nil
}

// realviewEBMPCore puts four uniprocessor baseboard GICs in front of the
// MPCore controller. Baseboard lines reach all four through the fan-out
// router; each baseboard GIC output is an MPCore input, and a few legacy
// lines are also routed to the MPCore directly.
func (a *assembly) realviewEBMPCore() error {
	d := a.board.desc
	primary, err := a.addGIC(gic.Config{
		Name:    "mpcore",
		NumCPU:  d.CPUs,
		NumIRQ:  d.IRQs,
		Outputs: a.cpuOutputs(d.CPUs),
	}, mpcoreLayout(d.Base, d.CPUs))
	if err != nil {
		return err
	}
	aux := primary.Controller()
	if aux.NumExternalLines() < irqfanout.AuxLines {
		return fmt.Errorf("mpcore controller has %d external lines, need %d", aux.NumExternalLines(), irqfanout.AuxLines)
	}

	var targets [irqfanout.Targets]chipset.LineSink
	for i := range targets {
		dev, err := a.addGIC(gic.Config{
			Name:    fmt.Sprintf("rvgic%d", i),
			NumCPU:  1,
			NumIRQ:  ebRealViewIRQs,
			Outputs: []chipset.LineInterrupt{chipset.LineInterruptToSink(aux, ebCascadeLine+i)},
		}, realviewLayout(realviewBase+uint64(i)*ebRealViewStride))
		if err != nil {
			return err
		}
		targets[i] = dev.Controller()
		a.board.consumers = append(a.board.consumers, dev)
	}

	a.board.sink = irqfanout.New(targets, aux)
	return nil
}
