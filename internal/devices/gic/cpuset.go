package gic

import (
	"math/bits"
	"strings"
)

// CPUSet is a bitset indexed by CPU number. Private lines use one bit per
// owning CPU; shared lines store the broadcast mask in the same form.
type CPUSet uint8

// CPUBit returns the set containing only cpu.
func CPUBit(cpu int) CPUSet {
	return CPUSet(1) << uint(cpu)
}

// AllCPUs returns the set of the first n CPUs.
func AllCPUs(n int) CPUSet {
	return CPUSet((uint16(1) << uint(n)) - 1)
}

func (s CPUSet) Has(cpu int) bool {
	return s&CPUBit(cpu) != 0
}

// Intersects reports whether s and mask share a CPU.
func (s CPUSet) Intersects(mask CPUSet) bool {
	return s&mask != 0
}

func (s CPUSet) Count() int {
	return bits.OnesCount8(uint8(s))
}

func (s CPUSet) String() string {
	if s == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for cpu := 0; cpu < 8; cpu++ {
		if !s.Has(cpu) {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteByte(byte('0' + cpu))
	}
	b.WriteByte('}')
	return b.String()
}
