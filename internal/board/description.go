// Package board assembles interrupt controllers into the board layouts that
// use them and drives them from YAML descriptions and scripts.
package board

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Variant names a board interrupt layout.
type Variant string

const (
	VariantNVIC             Variant = "nvic"
	VariantRealViewGIC      Variant = "realview-gic"
	VariantMPCore           Variant = "mpcore"
	VariantARM11MPCore      Variant = "arm11mpcore"
	VariantRealViewEBMPCore Variant = "realview-eb-mpcore"
)

// Variants lists every supported variant.
var Variants = []Variant{
	VariantNVIC,
	VariantRealViewGIC,
	VariantMPCore,
	VariantARM11MPCore,
	VariantRealViewEBMPCore,
}

const (
	nvicBase     = 0xe000e000
	realviewBase = 0x10040000
	mpcoreBase   = 0x1f000000

	maxMPCoreCPUs = 4
)

// Description is the YAML form of a board.
type Description struct {
	Version int     `yaml:"version"`
	Name    string  `yaml:"name"`
	Variant Variant `yaml:"variant"`

	CPUs int    `yaml:"cpus,omitempty"`
	IRQs int    `yaml:"irqs,omitempty"`
	Base uint64 `yaml:"base,omitempty"`
}

func (d *Description) normalize() {
	if d.Version == 0 {
		d.Version = 1
	}
	if d.Variant == "" {
		d.Variant = VariantRealViewGIC
	}
	if d.Name == "" {
		d.Name = string(d.Variant)
	}
	if d.CPUs == 0 {
		d.CPUs = 1
	}
	if d.IRQs == 0 {
		switch d.Variant {
		case VariantRealViewGIC, VariantARM11MPCore:
			d.IRQs = 96
		default:
			d.IRQs = 64
		}
	}
	if d.Base == 0 {
		switch d.Variant {
		case VariantNVIC:
			d.Base = nvicBase
		case VariantRealViewGIC:
			d.Base = realviewBase
		default:
			d.Base = mpcoreBase
		}
	}
}

func (d *Description) validate() error {
	if d.Version != 1 {
		return fmt.Errorf("board %q: unsupported description version %d", d.Name, d.Version)
	}
	switch d.Variant {
	case VariantNVIC, VariantRealViewGIC:
		if d.CPUs != 1 {
			return fmt.Errorf("board %q: variant %s is uniprocessor, got %d CPUs", d.Name, d.Variant, d.CPUs)
		}
	case VariantMPCore, VariantARM11MPCore, VariantRealViewEBMPCore:
		if d.CPUs < 1 || d.CPUs > maxMPCoreCPUs {
			return fmt.Errorf("board %q: variant %s supports 1..%d CPUs, got %d", d.Name, d.Variant, maxMPCoreCPUs, d.CPUs)
		}
	default:
		return fmt.Errorf("board %q: unknown variant %q", d.Name, d.Variant)
	}
	return nil
}

// ParseDescription decodes a YAML board description and fills defaults.
func ParseDescription(data []byte) (Description, error) {
	var desc Description
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return Description{}, fmt.Errorf("parse board description: %w", err)
	}
	desc.normalize()
	if err := desc.validate(); err != nil {
		return Description{}, err
	}
	return desc, nil
}

// LoadDescription reads a YAML board description from path.
func LoadDescription(path string) (Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Description{}, fmt.Errorf("read board description: %w", err)
	}
	return ParseDescription(data)
}

// WriteDescription writes desc to path with defaults filled in.
func WriteDescription(path string, desc Description) error {
	desc.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&desc); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
