package chipset

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/tinyrange/gic/internal/hv"
)

type recordingDevice struct {
	name    string
	log     *[]string
	regions []hv.MMIORegion
	lastCPU int
	lastOff uint64
	state   int
	initErr error
}

func (d *recordingDevice) Init(m hv.Machine) error {
	*d.log = append(*d.log, "init "+d.name)
	return d.initErr
}
func (d *recordingDevice) Start() error { *d.log = append(*d.log, "start "+d.name); return nil }
func (d *recordingDevice) Stop() error  { *d.log = append(*d.log, "stop "+d.name); return nil }
func (d *recordingDevice) Reset() error { *d.log = append(*d.log, "reset "+d.name); return nil }

func (d *recordingDevice) SupportsMmio() *MmioIntercept {
	if len(d.regions) == 0 {
		return nil
	}
	return &MmioIntercept{Regions: d.regions, Handler: d}
}

func (d *recordingDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.lastCPU = ctx.CPUIndex()
	d.lastOff = addr - d.regions[0].Address
	data[0] = byte(d.state)
	return nil
}

func (d *recordingDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.lastCPU = ctx.CPUIndex()
	d.lastOff = addr - d.regions[0].Address
	d.state = int(data[0])
	return nil
}

func (d *recordingDevice) DeviceId() string { return d.name }

func (d *recordingDevice) CaptureSnapshot() (hv.DeviceSnapshot, error) { return d.state, nil }

func (d *recordingDevice) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	v, ok := snap.(int)
	if !ok {
		return errors.New("bad snapshot")
	}
	d.state = v
	return nil
}

func newRecording(log *[]string, name string, base, size uint64) *recordingDevice {
	return &recordingDevice{name: name, log: log, regions: []hv.MMIORegion{{Address: base, Size: size}}}
}

func TestChipsetLifecycleOrder(t *testing.T) {
	var log []string
	b := NewBuilder()
	for i, name := range []string{"a", "b", "c"} {
		if err := b.RegisterDevice(name, newRecording(&log, name, uint64(i)*0x1000, 0x1000)); err != nil {
			t.Fatalf("RegisterDevice(%s): %v", name, err)
		}
	}
	cs, err := b.Build(hv.SimpleMachine{MachineName: "test", NumCPUs: 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := cs.Start(); err != nil {
		t.Fatal(err)
	}
	if err := cs.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := cs.Stop(); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"init a", "init b", "init c",
		"start a", "start b", "start c",
		"reset a", "reset b", "reset c",
		"stop c", "stop b", "stop a",
	}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("lifecycle = %v, want %v", log, want)
	}
	if names := cs.DeviceNames(); !reflect.DeepEqual(names, []string{"a", "b", "c"}) {
		t.Fatalf("DeviceNames = %v", names)
	}
	if len(cs.Regions()) != 3 {
		t.Fatalf("Regions = %v", cs.Regions())
	}
}

func TestBuilderRejectsBadRegistrations(t *testing.T) {
	var log []string
	b := NewBuilder()
	if err := b.RegisterDevice("a", newRecording(&log, "a", 0x1000, 0x100)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		dev  ChipsetDevice
		want string
	}{
		{"a", newRecording(&log, "a2", 0x8000, 0x100), "already registered"},
		{"", newRecording(&log, "x", 0x8000, 0x100), "name is empty"},
		{"nil", nil, "is nil"},
		{"overlap", newRecording(&log, "overlap", 0x10ff, 0x10), "overlaps"},
		{"zero", newRecording(&log, "zero", 0x9000, 0), "zero size"},
		{"wrap", newRecording(&log, "wrap", ^uint64(0)-1, 0x10), "overflows"},
	}
	for _, tt := range tests {
		err := b.RegisterDevice(tt.name, tt.dev)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("RegisterDevice(%q) error = %v, want %q", tt.name, err, tt.want)
		}
	}

	// Adjacent regions do not overlap.
	if err := b.RegisterDevice("adjacent", newRecording(&log, "adjacent", 0x1100, 0x100)); err != nil {
		t.Fatalf("adjacent region: %v", err)
	}
}

func TestBuildReportsInitFailure(t *testing.T) {
	var log []string
	dev := newRecording(&log, "bad", 0, 0x10)
	dev.initErr = errors.New("boom")
	b := NewBuilder()
	if err := b.RegisterDevice("bad", dev); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Build(hv.SimpleMachine{NumCPUs: 1}); err == nil || !strings.Contains(err.Error(), `init device "bad"`) {
		t.Fatalf("Build error = %v", err)
	}
}

func TestHandleMMIODispatch(t *testing.T) {
	var log []string
	lo := newRecording(&log, "lo", 0x1000, 0x100)
	hi := newRecording(&log, "hi", 0x2000, 0x100)
	b := NewBuilder()
	_ = b.RegisterDevice("lo", lo)
	_ = b.RegisterDevice("hi", hi)
	cs, err := b.Build(nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := cs.HandleMMIO(hv.CPUContext(3), 0x2010, []byte{0x5a, 0, 0, 0}, true); err != nil {
		t.Fatalf("write: %v", err)
	}
	if hi.state != 0x5a || hi.lastCPU != 3 || hi.lastOff != 0x10 {
		t.Fatalf("hi device state=%#x cpu=%d off=%#x", hi.state, hi.lastCPU, hi.lastOff)
	}
	if lo.state != 0 {
		t.Fatalf("write reached the wrong device")
	}

	buf := make([]byte, 4)
	if err := cs.HandleMMIO(hv.CPUContext(1), 0x20fc, buf, false); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 0x5a {
		t.Fatalf("read = %#x", buf[0])
	}

	// Accesses straddling the end of a region or hitting a hole fail.
	if err := cs.HandleMMIO(hv.CPUContext(0), 0x20fe, buf, false); err == nil {
		t.Fatalf("straddling access dispatched")
	}
	if err := cs.HandleMMIO(hv.CPUContext(0), 0x3000, buf, false); err == nil {
		t.Fatalf("unmapped access dispatched")
	}
}

func TestSnapshotsRoundTrip(t *testing.T) {
	var log []string
	a := newRecording(&log, "a", 0x1000, 0x10)
	b := NewBuilder()
	_ = b.RegisterDevice("a", a)
	cs, _ := b.Build(nil)

	a.state = 7
	snaps, err := cs.CaptureSnapshots()
	if err != nil {
		t.Fatal(err)
	}
	a.state = 0
	if err := cs.RestoreSnapshots(snaps); err != nil {
		t.Fatal(err)
	}
	if a.state != 7 {
		t.Fatalf("restored state = %d", a.state)
	}
	if err := cs.RestoreSnapshots(map[string]hv.DeviceSnapshot{}); err == nil {
		t.Fatalf("restore with missing device succeeded")
	}
	if err := cs.RestoreSnapshots(map[string]hv.DeviceSnapshot{"a": "junk"}); err == nil {
		t.Fatalf("restore with bad snapshot succeeded")
	}
}
