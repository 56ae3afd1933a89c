package board

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/gic/internal/devices/gic"
	"github.com/tinyrange/gic/internal/hv"
)

const realviewScript = `
version: 1
steps:
  - {op: write, offset: 0x000, value: 1}
  - {op: write, window: cpu, offset: 0x00, value: 1}
  - {op: write, window: cpu, offset: 0x04, value: 0xff}
  - {op: write, offset: 0x104, size: 1, value: 0x01}
  - {op: set-line, line: 0, level: true, expectIRQ: true}
  - {op: read, window: cpu, offset: 0x18, expect: 32}
  - {op: ack, expect: 32, expectIRQ: false}
  - {op: set-line, line: 0, level: false}
  - {op: eoi, value: 32}
  - {op: ack, expect: 1023}
  - {op: read, offset: 0xfe0, size: 1, expect: 0x90}
`

func TestRunScript(t *testing.T) {
	b, err := Build(Description{Variant: VariantRealViewGIC}, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	script, err := ParseScript([]byte(realviewScript))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}

	var results []StepResult
	if err := RunScript(b, script, func(r StepResult) { results = append(results, r) }); err != nil {
		t.Fatalf("RunScript: %v", err)
	}
	if len(results) != len(script.Steps) {
		t.Fatalf("%d results for %d steps", len(results), len(script.Steps))
	}
	if r := results[6]; !r.HasValue || r.Value != 32 || r.Outputs[0] {
		t.Fatalf("ack result %+v", r)
	}
}

func TestRunScriptExpectFailure(t *testing.T) {
	b, _ := Build(Description{Variant: VariantRealViewGIC}, Options{})
	script, err := ParseScript([]byte("steps:\n  - {op: ack, expect: 32}\n"))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	err = RunScript(b, script, nil)
	if err == nil || !strings.Contains(err.Error(), "got 0x3ff, want 0x20") {
		t.Fatalf("RunScript error = %v", err)
	}
}

func TestRunScriptRegisterFault(t *testing.T) {
	b, _ := Build(Description{Variant: VariantMPCore, CPUs: 2}, Options{})
	script, _ := ParseScript([]byte("steps:\n  - {op: read, offset: 0x10}\n"))
	err := RunScript(b, script, nil)
	if !errors.Is(err, gic.ErrBadRegister) {
		t.Fatalf("RunScript error = %v, want ErrBadRegister", err)
	}
	var regErr *gic.RegisterError
	if !errors.As(err, &regErr) || regErr.Offset != 0x10 {
		t.Fatalf("register error = %+v", regErr)
	}
	if !errors.Is(err, hv.ErrMachineHalted) {
		t.Fatalf("RunScript error = %v, want ErrMachineHalted", err)
	}

	// The board stays halted until reset.
	ok, _ := ParseScript([]byte("steps:\n  - {op: read, offset: 0x04}\n"))
	if err := RunScript(b, ok, nil); !errors.Is(err, hv.ErrMachineHalted) {
		t.Fatalf("access after halt error = %v", err)
	}
	if err := b.Reset(); err != nil {
		t.Fatal(err)
	}
	if b.Halted() != nil {
		t.Fatalf("reset left the board halted")
	}
	if err := RunScript(b, ok, nil); err != nil {
		t.Fatalf("access after reset: %v", err)
	}
}

func TestRunScriptRejectsBadSteps(t *testing.T) {
	b, _ := Build(Description{Variant: VariantRealViewGIC}, Options{})
	for _, doc := range []string{
		"steps:\n  - {op: poke}\n",
		"steps:\n  - {op: read, size: 3}\n",
		"steps:\n  - {op: write, expect: 1}\n",
		"steps:\n  - {op: read, device: missing}\n",
	} {
		script, err := ParseScript([]byte(doc))
		if err != nil {
			t.Fatalf("ParseScript(%q): %v", doc, err)
		}
		if err := RunScript(b, script, nil); err == nil {
			t.Fatalf("RunScript(%q) succeeded", doc)
		}
	}

	if _, err := ParseScript([]byte("version: 3\n")); err == nil {
		t.Fatalf("unsupported script version accepted")
	}
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	if err := os.WriteFile(path, []byte(realviewScript), 0o644); err != nil {
		t.Fatal(err)
	}
	script, err := LoadScript(path)
	if err != nil {
		t.Fatalf("LoadScript: %v", err)
	}
	if len(script.Steps) != 11 || script.Steps[3].Size != 1 || script.Steps[5].Expect == nil {
		t.Fatalf("unexpected script %+v", script)
	}
	if _, err := LoadScript(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing script loaded")
	}
}
