package gic

import (
	"testing"

	"github.com/tinyrange/gic/internal/chipset"
)

type testOutput struct {
	level bool
}

func (o *testOutput) SetLevel(level bool) {
	o.level = level
}

func (o *testOutput) PulseInterrupt() {
	o.level = false
}

// newTestController builds an external-mode controller with the distributor
// and every CPU interface enabled and the priority mask fully open.
func newTestController(t *testing.T, cpus, irqs int) (*Controller, []*testOutput) {
	t.Helper()
	outputs := make([]*testOutput, cpus)
	lines := make([]chipset.LineInterrupt, cpus)
	for i := range outputs {
		outputs[i] = &testOutput{}
		lines[i] = outputs[i]
	}
	c, err := New(Config{NumCPU: cpus, NumIRQ: irqs, Outputs: lines})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	writeDist(t, c, 0, gicdCtlr, 4, 1)
	for cpu := 0; cpu < cpus; cpu++ {
		writeCPU(t, c, cpu, giccCtlr, 1)
		writeCPU(t, c, cpu, giccPmr, 0xff)
	}
	return c, outputs
}

func writeDist(t *testing.T, c *Controller, cpu int, offset uint32, size int, value uint32) {
	t.Helper()
	if err := c.WriteDistributor(cpu, offset, size, value); err != nil {
		t.Fatalf("write distributor 0x%03x: %v", offset, err)
	}
}

func readDist(t *testing.T, c *Controller, cpu int, offset uint32, size int) uint32 {
	t.Helper()
	v, err := c.ReadDistributor(cpu, offset, size)
	if err != nil {
		t.Fatalf("read distributor 0x%03x: %v", offset, err)
	}
	return v
}

func writeCPU(t *testing.T, c *Controller, cpu int, offset uint32, value uint32) {
	t.Helper()
	if err := c.WriteCPUInterface(cpu, offset, 4, value); err != nil {
		t.Fatalf("write cpu%d interface 0x%02x: %v", cpu, offset, err)
	}
}

func readCPU(t *testing.T, c *Controller, cpu int, offset uint32) uint32 {
	t.Helper()
	v, err := c.ReadCPUInterface(cpu, offset, 4)
	if err != nil {
		t.Fatalf("read cpu%d interface 0x%02x: %v", cpu, offset, err)
	}
	return v
}

func enableIRQ(t *testing.T, c *Controller, cpu, id int) {
	t.Helper()
	writeDist(t, c, cpu, gicdIsenabler+uint32(id/8), 1, 1<<(id%8))
}

func setPriority(t *testing.T, c *Controller, cpu, id int, prio uint8) {
	t.Helper()
	writeDist(t, c, cpu, gicdIpriorityr+uint32(id), 1, uint32(prio))
}

func setEdge(t *testing.T, c *Controller, cpu, id int) {
	t.Helper()
	offset := gicdIcfgr + uint32(id/4)
	v := readDist(t, c, cpu, offset, 1)
	writeDist(t, c, cpu, offset, 1, v|2<<((id%4)*2))
}

func setBroadcast(t *testing.T, c *Controller, cpu, id int) {
	t.Helper()
	offset := gicdIcfgr + uint32(id/4)
	v := readDist(t, c, cpu, offset, 1)
	writeDist(t, c, cpu, offset, 1, v|1<<((id%4)*2))
}

func setTarget(t *testing.T, c *Controller, cpu, id int, mask CPUSet) {
	t.Helper()
	writeDist(t, c, cpu, gicdItargetsr+uint32(id), 1, uint32(mask))
}

func ack(t *testing.T, c *Controller, cpu int) int {
	t.Helper()
	return int(readCPU(t, c, cpu, giccIar))
}

func eoi(t *testing.T, c *Controller, cpu, id int) {
	t.Helper()
	writeCPU(t, c, cpu, giccEoir, uint32(id))
}

// checkArbitration asserts that every CPU's driven output matches the
// arbitration rule recomputed from the current state.
func checkArbitration(t *testing.T, c *Controller, outputs []*testOutput) {
	t.Helper()
	for cpu := 0; cpu < c.NumCPU(); cpu++ {
		want := c.wantsInterrupt(cpu)
		if got := c.Output(cpu); got != want {
			t.Fatalf("cpu%d output=%v, want %v (best=%d running=%d)", cpu, got, want, c.HighestPending(cpu), c.RunningID(cpu))
		}
		if outputs != nil && outputs[cpu].level != want {
			t.Fatalf("cpu%d line level=%v, want %v", cpu, outputs[cpu].level, want)
		}
	}
}
