package gic

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/gic/internal/chipset"
)

// Mode selects how the CPU interface registers are exposed.
type Mode int

const (
	// ModeExternal gives every CPU its own CPU interface window next to a
	// shared distributor window.
	ModeExternal Mode = iota
	// ModeEmbedded folds the single CPU's interface registers into the
	// distributor window (NVIC style). Register bit numbering starts at the
	// first shared line and every line targets CPU 0.
	ModeEmbedded
)

func (m Mode) String() string {
	switch m {
	case ModeExternal:
		return "external"
	case ModeEmbedded:
		return "embedded"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a textual mode name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "external":
		return ModeExternal, nil
	case "embedded", "nvic":
		return ModeEmbedded, nil
	default:
		return 0, fmt.Errorf("gic: unknown mode %q", s)
	}
}

// Identification bytes returned at 0xFE0-0xFFC.
var (
	ExternalID = [8]byte{0x90, 0x13, 0x04, 0x00, 0x0d, 0xf0, 0x05, 0xb1}
	EmbeddedID = [8]byte{0x00, 0xb0, 0x1b, 0x00, 0x0d, 0xe0, 0x05, 0xb1}
)

// Config describes one controller instance.
type Config struct {
	// Name is used in log records and snapshot ids.
	Name string

	NumCPU int
	NumIRQ int
	Mode   Mode

	// ID overrides the identification bytes. The zero value selects the
	// default for Mode.
	ID [8]byte

	// Outputs are the per-CPU interrupt request lines. Missing entries are
	// left detached.
	Outputs []chipset.LineInterrupt

	Logger *slog.Logger
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = "gic"
	}
	if c.NumCPU == 0 {
		c.NumCPU = 1
	}
	if c.ID == ([8]byte{}) {
		if c.Mode == ModeEmbedded {
			c.ID = EmbeddedID
		} else {
			c.ID = ExternalID
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	if c.NumCPU < 1 || c.NumCPU > MaxCPU {
		return fmt.Errorf("%w: %d CPUs (must be 1..%d)", ErrInvalidConfig, c.NumCPU, MaxCPU)
	}
	if c.NumIRQ <= PrivateLines || c.NumIRQ%32 != 0 {
		return fmt.Errorf("%w: %d interrupts (must be a multiple of 32 above %d)", ErrInvalidConfig, c.NumIRQ, PrivateLines)
	}
	if c.NumIRQ > MaxIRQ {
		return fmt.Errorf("%w: %d interrupts exceeds maximum %d", ErrInvalidConfig, c.NumIRQ, MaxIRQ)
	}
	switch c.Mode {
	case ModeExternal:
	case ModeEmbedded:
		if c.NumCPU != 1 {
			return fmt.Errorf("%w: embedded mode supports exactly one CPU, got %d", ErrInvalidConfig, c.NumCPU)
		}
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidConfig, int(c.Mode))
	}
	if len(c.Outputs) > c.NumCPU {
		return fmt.Errorf("%w: %d outputs for %d CPUs", ErrInvalidConfig, len(c.Outputs), c.NumCPU)
	}
	return nil
}

// baseIRQ is the line number of bit 0 in the bit-per-line registers.
func (c *Config) baseIRQ() int {
	if c.Mode == ModeEmbedded {
		return PrivateLines
	}
	return 0
}
