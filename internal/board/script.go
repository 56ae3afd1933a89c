package board

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/tinyrange/gic/internal/devices/gic"
	"gopkg.in/yaml.v3"
)

// Script is a YAML list of register accesses and line changes replayed
// against a board.
type Script struct {
	Version int    `yaml:"version"`
	Steps   []Step `yaml:"steps"`
}

// Step is one script operation.
//
//	read, write  register access at offset in window ("distributor" or "cpu")
//	ack          read the acknowledge register of cpu
//	eoi          write value to the end-of-interrupt register of cpu
//	set-line     drive external line to level
//	reset        reset every controller
type Step struct {
	Op     string `yaml:"op"`
	Device string `yaml:"device,omitempty"`
	Window string `yaml:"window,omitempty"`
	CPU    int    `yaml:"cpu,omitempty"`
	Offset uint32 `yaml:"offset,omitempty"`
	Size   int    `yaml:"size,omitempty"`
	Value  uint32 `yaml:"value,omitempty"`
	Line   int    `yaml:"line,omitempty"`
	Level  bool   `yaml:"level,omitempty"`

	// Expect checks the value returned by read and ack.
	Expect *uint32 `yaml:"expect,omitempty"`
	// ExpectIRQ checks cpu's IRQ input after the step.
	ExpectIRQ *bool `yaml:"expectIRQ,omitempty"`
}

// StepResult reports the outcome of one step.
type StepResult struct {
	Index    int
	Step     Step
	Value    uint32
	HasValue bool
	Outputs  []bool
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("parse script: %w", err)
	}
	if s.Version == 0 {
		s.Version = 1
	}
	if s.Version != 1 {
		return Script{}, fmt.Errorf("unsupported script version %d", s.Version)
	}
	return s, nil
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// RunScript replays s against b, calling report after every step. It stops at
// the first failing step; a register fault is returned wrapped so callers
// can match gic.ErrBadRegister.
func RunScript(b *Board, s Script, report func(StepResult)) error {
	for i, step := range s.Steps {
		res, err := b.runStep(step)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		res.Index = i
		res.Step = step
		res.Outputs = make([]bool, b.NumCPU())
		for cpu := range res.Outputs {
			res.Outputs[cpu] = b.Output(cpu)
		}
		if report != nil {
			report(res)
		}

		if step.Expect != nil {
			if !res.HasValue {
				return fmt.Errorf("step %d (%s): expect set on an operation without a result", i, step.Op)
			}
			if res.Value != *step.Expect {
				return fmt.Errorf("step %d (%s): got 0x%x, want 0x%x", i, step.Op, res.Value, *step.Expect)
			}
		}
		if step.ExpectIRQ != nil && b.Output(step.CPU) != *step.ExpectIRQ {
			return fmt.Errorf("step %d (%s): cpu%d IRQ %v, want %v", i, step.Op, step.CPU, b.Output(step.CPU), *step.ExpectIRQ)
		}
	}
	return nil
}

func (b *Board) runStep(step Step) (StepResult, error) {
	size := step.Size
	if size == 0 {
		size = 4
	}

	switch step.Op {
	case "read":
		v, err := b.access(step, step.Window, step.Offset, size, 0, false)
		return StepResult{Value: v, HasValue: true}, err
	case "write":
		_, err := b.access(step, step.Window, step.Offset, size, step.Value, true)
		return StepResult{}, err
	case "ack":
		v, err := b.access(step, "cpu", gic.AcknowledgeOffset, 4, 0, false)
		return StepResult{Value: v, HasValue: true}, err
	case "eoi":
		_, err := b.access(step, "cpu", gic.EndOfInterruptOffset, 4, step.Value, true)
		return StepResult{}, err
	case "set-line":
		b.SetLine(step.Line, step.Level)
		return StepResult{}, nil
	case "reset":
		return StepResult{}, b.Reset()
	default:
		return StepResult{}, fmt.Errorf("unknown op %q", step.Op)
	}
}

func (b *Board) access(step Step, window string, offset uint32, size int, value uint32, write bool) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("invalid access size %d", size)
	}
	base, err := b.WindowBase(step.Device, window, step.CPU)
	if err != nil {
		return 0, err
	}

	data := make([]byte, size)
	if write {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], value)
		copy(data, tmp[:size])
	}
	if err := b.HandleMMIO(step.CPU, base+uint64(offset), data, write); err != nil {
		return 0, err
	}
	var tmp [4]byte
	copy(tmp[:], data)
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

// WindowBase resolves the base address of a register window. An empty device
// name selects the primary controller; window is "distributor" (or empty)
// or "cpu". The CPU interface of an embedded controller lives in its
// distributor window.
func (b *Board) WindowBase(device, window string, cpu int) (uint64, error) {
	dev := b.Primary()
	if device != "" {
		var ok bool
		if dev, ok = b.Device(device); !ok {
			return 0, fmt.Errorf("unknown device %q", device)
		}
	}
	layout := dev.Layout()

	switch window {
	case "", "distributor":
		return layout.DistributorBase, nil
	case "cpu":
		if dev.Controller().Mode() == gic.ModeEmbedded {
			return layout.DistributorBase, nil
		}
		var current *gic.CPUWindow
		for i, w := range layout.CPUWindows {
			if w.CPU == cpu || (w.CPU == 0 && dev.Controller().NumCPU() == 1) {
				return w.Base, nil
			}
			if w.CPU == gic.CurrentCPU && current == nil {
				current = &layout.CPUWindows[i]
			}
		}
		if current != nil {
			return current.Base, nil
		}
		return 0, fmt.Errorf("device %q has no CPU interface window for cpu %d", dev.Controller().Name(), cpu)
	default:
		return 0, fmt.Errorf("unknown window %q", window)
	}
}
