package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/gic/internal/board"
	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "gicctl: %v\n", err)
		os.Exit(1)
	}
}

type printer struct {
	w     io.Writer
	color bool
}

func (p *printer) printf(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	if !p.color {
		s = ansi.Strip(s)
	}
	fmt.Fprint(p.w, s)
}

var (
	styleHeader = ansi.NewStyle().Bold()
	styleOK     = ansi.NewStyle().ForegroundColor(ansi.Green)
	styleIRQ    = ansi.NewStyle().Bold().ForegroundColor(ansi.Red)
	styleDim    = ansi.NewStyle().Faint()
)

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("gicctl", flag.ContinueOnError)

	boardFile := fs.String("board", "", "YAML board description")
	variant := fs.String("variant", string(board.VariantRealViewGIC), "board variant when no -board file is given")
	cpus := fs.Int("cpus", 0, "number of CPUs (0 selects the variant default)")
	irqs := fs.Int("irqs", 0, "number of interrupt lines (0 selects the variant default)")
	script := fs.String("script", "", "YAML register access script to replay")
	load := fs.String("load", "", "restore controller state from a snapshot file before running")
	save := fs.String("save", "", "write controller state to a snapshot file after running")
	writeBoard := fs.String("write-board", "", "write the resolved board description to a YAML file")
	status := fs.Bool("status", false, "print controller state after running")
	debug := fs.Bool("debug", false, "enable debug logging")
	color := fs.String("color", "auto", "colorize output: auto, always or never")

	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	p := &printer{w: stdout}
	switch *color {
	case "always":
		p.color = true
	case "never":
	case "auto":
		if f, ok := stdout.(*os.File); ok {
			p.color = term.IsTerminal(int(f.Fd()))
		}
	default:
		return fmt.Errorf("invalid -color %q", *color)
	}

	desc := board.Description{Variant: board.Variant(*variant), CPUs: *cpus, IRQs: *irqs}
	if *boardFile != "" {
		var err error
		if desc, err = board.LoadDescription(*boardFile); err != nil {
			return err
		}
	}

	b, err := board.Build(desc, board.Options{})
	if err != nil {
		return err
	}
	desc = b.Description()
	p.printf("%s %s (%s, %d cpus, %d irqs) config %s\n",
		styleHeader.Styled("board"), desc.Name, desc.Variant, desc.CPUs, desc.IRQs,
		styleDim.Styled(b.ConfigHash().String()[:16]))

	if *writeBoard != "" {
		if err := board.WriteDescription(*writeBoard, desc); err != nil {
			return err
		}
	}

	if *load != "" {
		if err := b.LoadSnapshot(*load); err != nil {
			return err
		}
		p.printf("%s %s\n", styleOK.Styled("restored"), *load)
	}

	if *script != "" {
		s, err := board.LoadScript(*script)
		if err != nil {
			return err
		}
		if err := board.RunScript(b, s, func(r board.StepResult) { printStep(p, r) }); err != nil {
			return err
		}
		p.printf("%s %d steps\n", styleOK.Styled("ok"), len(s.Steps))
	}

	if *status {
		printStatus(p, b)
	}

	if *save != "" {
		if err := b.SaveSnapshot(*save); err != nil {
			return err
		}
		p.printf("%s %s\n", styleOK.Styled("saved"), *save)
	}
	return nil
}

func printStep(p *printer, r board.StepResult) {
	s := r.Step
	var desc string
	switch s.Op {
	case "read", "write":
		window := s.Window
		if window == "" {
			window = "distributor"
		}
		if s.Device != "" {
			window = s.Device + "/" + window
		}
		desc = fmt.Sprintf("%-5s cpu%d %s+0x%03x", s.Op, s.CPU, window, s.Offset)
		if s.Op == "write" {
			desc += fmt.Sprintf(" <- 0x%x", s.Value)
		}
	case "ack":
		desc = fmt.Sprintf("ack   cpu%d", s.CPU)
	case "eoi":
		desc = fmt.Sprintf("eoi   cpu%d %d", s.CPU, s.Value)
	case "set-line":
		desc = fmt.Sprintf("line  %d = %v", s.Line, s.Level)
	default:
		desc = s.Op
	}
	if r.HasValue {
		desc += fmt.Sprintf(" = 0x%x", r.Value)
	}

	p.printf("%s %-48s %s\n", styleDim.Styled(fmt.Sprintf("%3d", r.Index)), desc, irqLevels(r.Outputs))
}

func irqLevels(levels []bool) string {
	var b strings.Builder
	b.WriteString("irq ")
	for _, high := range levels {
		if high {
			b.WriteString(styleIRQ.Styled("1"))
		} else {
			b.WriteString("0")
		}
	}
	return b.String()
}

func printStatus(p *printer, b *board.Board) {
	for _, ctrl := range b.Controllers() {
		p.printf("%s %s\n", styleHeader.Styled("controller"), ctrl)
		for cpu := 0; cpu < ctrl.NumCPU(); cpu++ {
			st := ctrl.CPUStats(cpu)
			p.printf("  cpu%d running=%d pending=%d irq=%v acks=%d spurious=%d eois=%d\n",
				cpu, ctrl.RunningID(cpu), ctrl.HighestPending(cpu), ctrl.Output(cpu),
				st.Acknowledges, st.Spurious, st.EOIs)
		}
	}
}
