package gic

import (
	"errors"
	"testing"

	"github.com/tinyrange/gic/internal/chipset"
)

func TestTypeRegister(t *testing.T) {
	c, _ := newTestController(t, 2, 96)

	if v := readDist(t, c, 0, gicdTyper, 4); v != 0x22 {
		t.Fatalf("type register = 0x%x, want 0x22", v)
	}
	if v := readDist(t, c, 0, gicdCtlr, 4); v != 1 {
		t.Fatalf("control word = 0x%x, want 1", v)
	}

	// Read-only; the write is dropped rather than faulting.
	writeDist(t, c, 0, gicdTyper, 4, 0xffffffff)
	if v := readDist(t, c, 0, gicdTyper, 1); v != 0x22 {
		t.Fatalf("type register changed to 0x%x", v)
	}
}

func TestIdentificationBytes(t *testing.T) {
	c, _ := newTestController(t, 1, 64)
	for i, want := range ExternalID {
		offset := gicdIdent + uint32(i*4)
		if v := readDist(t, c, 0, offset, 4); v != uint32(want) {
			t.Fatalf("id byte at 0x%03x = 0x%02x, want 0x%02x", offset, v, want)
		}
	}
	if v := readDist(t, c, 0, gicdIdent+1, 1); v != 0 {
		t.Fatalf("unaligned id byte = 0x%02x, want 0", v)
	}

	custom := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	c2, err := New(Config{NumIRQ: 64, ID: custom})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v := readDist(t, c2, 0, gicdIdent+28, 1); v != 8 {
		t.Fatalf("custom id byte = %d, want 8", v)
	}
}

func TestTargetRegisterQuirk(t *testing.T) {
	c, _ := newTestController(t, 2, 64)

	writeDist(t, c, 1, gicdItargetsr+10, 1, 0x3)
	if v := readDist(t, c, 0, gicdItargetsr+10, 1); v != uint32(CPUBit(1)) {
		t.Fatalf("target of line 10 = 0x%x, want calling CPU 0x%x", v, CPUBit(1))
	}

	writeDist(t, c, 0, gicdItargetsr+30, 1, 0x1)
	if c.lines[30].target != AllCPUs(2) {
		t.Fatalf("stored target of line 30 = %v, want all", c.lines[30].target)
	}
	if v := readDist(t, c, 1, gicdItargetsr+30, 1); v != uint32(CPUBit(1)) {
		t.Fatalf("target of line 30 read from cpu1 = 0x%x, want 0x2", v)
	}

	writeDist(t, c, 0, gicdItargetsr+40, 4, 0x01ff0302)
	want := []uint32{0x2, 0x3, 0x3, 0x1}
	for i, w := range want {
		if v := readDist(t, c, 0, gicdItargetsr+40+uint32(i), 1); v != w {
			t.Fatalf("target of line %d = 0x%x, want 0x%x", 40+i, v, w)
		}
	}
	if v := readDist(t, c, 0, gicdItargetsr+40, 4); v != 0x01030302 {
		t.Fatalf("target word = 0x%08x", v)
	}
}

func TestTargetedLineReachesOnlyTarget(t *testing.T) {
	c, out := newTestController(t, 2, 64)
	enableIRQ(t, c, 0, 40)
	setTarget(t, c, 0, 40, CPUBit(1))

	c.SetLine(8, true)
	if out[0].level || !out[1].level {
		t.Fatalf("outputs cpu0=%v cpu1=%v, want only cpu1", out[0].level, out[1].level)
	}
	if id := ack(t, c, 0); id != SpuriousID {
		t.Fatalf("cpu0 acknowledge = %d, want spurious", id)
	}
	if id := ack(t, c, 1); id != 40 {
		t.Fatalf("cpu1 acknowledge = %d, want 40", id)
	}
}

func TestSoftwareInterruptFilters(t *testing.T) {
	c, _ := newTestController(t, 4, 64)

	tests := []struct {
		name  string
		cpu   int
		value uint32
		want  CPUSet
	}{
		{"explicit list", 0, 1 | 0x05<<16, CPUBit(0) | CPUBit(2)},
		{"all but me", 1, 2 | 1<<24, CPUBit(0) | CPUBit(2) | CPUBit(3)},
		{"only me", 3, 3 | 2<<24, CPUBit(3)},
		{"reserved filter", 2, 4 | 3<<24, AllCPUs(4)},
		{"list outside cpus", 0, 5 | 0xf0<<16, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := int(tt.value & 0x3ff)
			writeDist(t, c, tt.cpu, gicdSgir, 4, tt.value)
			var got CPUSet
			for cpu := 0; cpu < 4; cpu++ {
				if c.Pending(cpu, id) {
					got |= CPUBit(cpu)
				}
			}
			if got != tt.want {
				t.Fatalf("pending on %v, want %v", got, tt.want)
			}
		})
	}

	if err := c.WriteDistributor(0, gicdSgir, 2, 1); !errors.Is(err, ErrBadRegister) {
		t.Fatalf("16-bit SGI write error = %v, want ErrBadRegister", err)
	}
	if _, err := c.ReadDistributor(0, gicdSgir, 4); !errors.Is(err, ErrBadRegister) {
		t.Fatalf("SGI read error = %v, want ErrBadRegister", err)
	}
}

func TestSetPendingIsBanked(t *testing.T) {
	c, out := newTestController(t, 2, 64)

	writeDist(t, c, 1, gicdIspendr, 1, 1<<2)
	if c.Pending(0, 2) || !c.Pending(1, 2) {
		t.Fatalf("set-pending of line 2 from cpu1: cpu0=%v cpu1=%v", c.Pending(0, 2), c.Pending(1, 2))
	}
	if out[0].level || !out[1].level {
		t.Fatalf("outputs cpu0=%v cpu1=%v", out[0].level, out[1].level)
	}
	if v := readDist(t, c, 1, gicdIcpendr, 1); v != 1<<2 {
		t.Fatalf("pending read from cpu1 = 0x%x", v)
	}
	if v := readDist(t, c, 0, gicdIspendr, 1); v != 0 {
		t.Fatalf("pending read from cpu0 = 0x%x", v)
	}

	enableIRQ(t, c, 0, 40)
	setTarget(t, c, 0, 40, AllCPUs(2))
	writeDist(t, c, 0, gicdIspendr+5, 1, 1)
	if !c.Pending(0, 40) || !c.Pending(1, 40) {
		t.Fatalf("set-pending of shared line missed a target")
	}
}

// Clear-pending drops every CPU's copy even for banked lines. This pins the
// historical behavior.
func TestClearPendingClearsAllCPUs(t *testing.T) {
	c, out := newTestController(t, 2, 64)

	writeDist(t, c, 0, gicdSgir, 4, 3|0x3<<16)
	if !c.Pending(0, 3) || !c.Pending(1, 3) {
		t.Fatalf("SGI 3 not pending on both CPUs")
	}

	writeDist(t, c, 0, gicdIcpendr, 1, 1<<3)
	if c.Pending(0, 3) || c.Pending(1, 3) {
		t.Fatalf("clear-pending from cpu0 left cpu0=%v cpu1=%v", c.Pending(0, 3), c.Pending(1, 3))
	}
	if out[0].level || out[1].level {
		t.Fatalf("outputs still asserted after clear-pending")
	}
}

func TestConfigRegister(t *testing.T) {
	c, _ := newTestController(t, 1, 64)

	if v := readDist(t, c, 0, gicdIcfgr, 1); v != 0xaa {
		t.Fatalf("config of lines 0..3 = 0x%x, want 0xaa", v)
	}

	writeDist(t, c, 0, gicdIcfgr+4, 1, 0x55)
	if v := readDist(t, c, 0, gicdIcfgr+4, 1); v != 0xaa {
		t.Fatalf("config of private lines 16..19 = 0x%x, want forced 0xaa", v)
	}

	writeDist(t, c, 0, gicdIcfgr+10, 2, 0x0e01)
	if v := readDist(t, c, 0, gicdIcfgr+10, 2); v != 0x0e01 {
		t.Fatalf("config of lines 40..47 = 0x%04x", v)
	}
	if !c.lines[40].broadcast || c.lines[40].edge {
		t.Fatalf("line 40 config %+v", c.lines[40])
	}
	if l := c.lines[44]; !l.edge || l.broadcast {
		t.Fatalf("line 44 config %+v", l)
	}
	if l := c.lines[45]; !l.edge || !l.broadcast {
		t.Fatalf("line 45 config %+v", l)
	}
	if l := c.lines[46]; l.edge || l.broadcast {
		t.Fatalf("line 46 config %+v", l)
	}
}

func TestPriorityRegisterWord(t *testing.T) {
	c, _ := newTestController(t, 1, 64)
	writeDist(t, c, 0, gicdIpriorityr+40, 4, 0x40302010)
	for i := 0; i < 4; i++ {
		if p := c.priority(40+i, 0); p != uint8(0x10*(i+1)) {
			t.Fatalf("priority of line %d = 0x%x", 40+i, p)
		}
	}
	if v := readDist(t, c, 0, gicdIpriorityr+40, 2); v != 0x2010 {
		t.Fatalf("priority halfword = 0x%x", v)
	}
}

func TestActiveRegister(t *testing.T) {
	c, _ := newTestController(t, 1, 64)
	enableIRQ(t, c, 0, 41)
	c.SetLine(9, true)
	ack(t, c, 0)

	if v := readDist(t, c, 0, gicdIsactiver+5, 1); v != 1<<1 {
		t.Fatalf("active byte = 0x%x, want 0x2", v)
	}
	writeDist(t, c, 0, gicdIsactiver+5, 1, 0)
	if !c.Active(0, 41) {
		t.Fatalf("write to active register changed state")
	}
}

func TestBadDistributorAccess(t *testing.T) {
	c, _ := newTestController(t, 1, 64)

	reads := []struct {
		offset uint32
		size   int
	}{
		{0x008, 4},
		{0x0fc, 4},
		{gicdIsenabler + 8, 1}, // line 64 and up
		{gicdIpriorityr + 64, 1},
		{gicdItargetsr + 62, 4},
		{0xf04, 4},
		{0xfdc, 4},
		{0x1000, 4},
		{gicdCtlr, 3},
	}
	for _, r := range reads {
		_, err := c.ReadDistributor(0, r.offset, r.size)
		var regErr *RegisterError
		if !errors.As(err, &regErr) {
			t.Fatalf("read 0x%03x/%d error = %v, want RegisterError", r.offset, r.size, err)
		}
		if regErr.Offset != r.offset || regErr.Write {
			t.Fatalf("register error %+v for read 0x%03x", regErr, r.offset)
		}
		if !errors.Is(err, ErrBadRegister) {
			t.Fatalf("error does not wrap ErrBadRegister")
		}
	}

	// A word write straddling the end of the priority range must not apply
	// its valid bytes.
	err := c.WriteDistributor(0, gicdIpriorityr+62, 4, 0x11111111)
	if !errors.Is(err, ErrBadRegister) {
		t.Fatalf("straddling write error = %v", err)
	}
	if p := c.priority(62, 0); p != 0 {
		t.Fatalf("partial write applied, priority of line 62 = 0x%x", p)
	}

	if err := c.WriteDistributor(2, gicdCtlr, 4, 1); !errors.Is(err, ErrBadRegister) {
		t.Fatalf("access from unknown cpu error = %v", err)
	}
}

func TestBadCPUInterfaceAccess(t *testing.T) {
	c, _ := newTestController(t, 1, 64)

	if _, err := c.ReadCPUInterface(0, giccEoir, 4); !errors.Is(err, ErrBadRegister) {
		t.Fatalf("EOIR read error = %v", err)
	}
	if _, err := c.ReadCPUInterface(0, 0x1c, 4); !errors.Is(err, ErrBadRegister) {
		t.Fatalf("undecoded read error = %v", err)
	}
	if _, err := c.ReadCPUInterface(0, 0x02, 2); !errors.Is(err, ErrBadRegister) {
		t.Fatalf("unaligned read error = %v", err)
	}
	if err := c.WriteCPUInterface(0, 0x20, 4, 0); !errors.Is(err, ErrBadRegister) {
		t.Fatalf("undecoded write error = %v", err)
	}
	if err := c.WriteCPUInterface(0, giccRpr, 4, 0); err != nil {
		t.Fatalf("read-only write faulted: %v", err)
	}
	if v := readCPU(t, c, 0, giccRpr); v != idlePriority {
		t.Fatalf("running priority = 0x%x", v)
	}
	writeCPU(t, c, 0, giccBpr, 3)
	if v, _ := c.ReadCPUInterface(0, giccBpr, 1); v != 3 {
		t.Fatalf("binary point = %d, want 3", v)
	}
}

func TestEmbeddedMode(t *testing.T) {
	out := &testOutput{}
	c, err := New(Config{NumIRQ: 64, Mode: ModeEmbedded, Outputs: []chipset.LineInterrupt{out}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Bit 0 of the bit-per-line registers is the first external line.
	writeDist(t, c, 0, gicdIsenabler, 1, 1)
	if !c.Enabled(0, 32) {
		t.Fatalf("enable bit 0 did not enable line 32")
	}
	writeDist(t, c, 0, gicdIpriorityr, 1, 0x20)
	if p := c.priority(32, 0); p != 0x20 {
		t.Fatalf("priority of line 32 = 0x%x", p)
	}

	c.SetLine(0, true)
	if !out.level {
		t.Fatalf("output not asserted; interface should be enabled out of reset")
	}

	// CPU interface registers sit in the low part of the window.
	if v := readDist(t, c, 0, giccHppir, 4); v != 32 {
		t.Fatalf("highest pending = %d, want 32", v)
	}
	if id := readDist(t, c, 0, giccIar, 4); id != 32 {
		t.Fatalf("acknowledge = %d, want 32", id)
	}
	c.SetLine(0, false)
	writeDist(t, c, 0, giccEoir, 4, 32)
	if c.RunningID(0) != SpuriousID || out.level {
		t.Fatalf("EOI through distributor window did not retire line 32")
	}

	writeDist(t, c, 0, gicdSgir, 4, 1)
	if !c.Pending(0, 33) {
		t.Fatalf("software trigger did not pend line 33")
	}

	for i, want := range EmbeddedID {
		if v := readDist(t, c, 0, gicdIdent+uint32(i*4), 1); v != uint32(want) {
			t.Fatalf("id byte %d = 0x%02x, want 0x%02x", i, v, want)
		}
	}

	for _, offset := range []uint32{gicdItargetsr, gicdIcfgr, gicdIsenabler + 4} {
		if _, err := c.ReadDistributor(0, offset, 1); !errors.Is(err, ErrBadRegister) {
			t.Fatalf("read 0x%03x error = %v, want ErrBadRegister", offset, err)
		}
	}
}
