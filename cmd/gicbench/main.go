// Command gicbench drives interrupt controllers through the full
// raise/acknowledge/end-of-interrupt cycle from concurrent workers, each
// owning its own board, and optionally records per-operation timings.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/gic/internal/board"
	"github.com/tinyrange/gic/internal/devices/gic"
	"github.com/tinyrange/gic/internal/timeslice"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var (
	kindRaise = timeslice.RegisterKind("gicbench::raise")
	kindAck   = timeslice.RegisterKind("gicbench::ack")
	kindLower = timeslice.RegisterKind("gicbench::lower")
	kindEOI   = timeslice.RegisterKind("gicbench::eoi")
)

const progressBatch = 1024

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "gicbench: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	desc     board.Description
	cycles   int
	workers  int
	parallel int
	trace    string
	progress bool
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("gicbench", flag.ContinueOnError)

	variant := fs.String("variant", string(board.VariantMPCore), "board variant")
	cpus := fs.Int("cpus", 0, "number of CPUs (0 selects the variant default)")
	irqs := fs.Int("irqs", 0, "number of interrupt lines (0 selects the variant default)")
	cycles := fs.Int("n", 100000, "interrupt cycles per worker")
	workers := fs.Int("workers", 4, "number of independent boards")
	parallel := fs.Int("parallel", runtime.GOMAXPROCS(0), "maximum number of workers running at once")
	tracePath := fs.String("trace", "", "write per-operation timings to this file")
	summary := fs.String("summary", "", "summarize an existing trace file and exit")
	debug := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	color := isTerminal(stdout)

	if *summary != "" {
		return printSummary(stdout, *summary, color)
	}
	if *cycles <= 0 || *workers <= 0 || *parallel <= 0 {
		return errors.New("-n, -workers and -parallel must be positive")
	}

	opts := options{
		desc:     board.Description{Variant: board.Variant(*variant), CPUs: *cpus, IRQs: *irqs},
		cycles:   *cycles,
		workers:  *workers,
		parallel: *parallel,
		trace:    *tracePath,
		progress: term.IsTerminal(int(os.Stderr.Fd())),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	if err := bench(ctx, opts); err != nil {
		return err
	}
	elapsed := time.Since(start)

	total := opts.cycles * opts.workers
	fmt.Fprintf(stdout, "%d cycles in %s (%.0f cycles/s)\n", total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())

	if opts.trace != "" {
		return printSummary(stdout, opts.trace, color)
	}
	return nil
}

func bench(ctx context.Context, opts options) error {
	var trace *timeslice.Trace
	if opts.trace != "" {
		f, err := os.Create(opts.trace)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer f.Close()
		if trace, err = timeslice.Open(f); err != nil {
			return err
		}
	}

	var pb *progressbar.ProgressBar
	if opts.progress {
		pb = progressbar.Default(int64(opts.cycles*opts.workers), "interrupt cycles")
	} else {
		pb = progressbar.DefaultSilent(int64(opts.cycles * opts.workers))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.parallel)
	for w := 0; w < opts.workers; w++ {
		g.Go(func() error {
			return worker(ctx, w, opts, trace, pb)
		})
	}
	err := g.Wait()
	_ = pb.Finish()

	if trace != nil {
		if cerr := trace.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type benchBoard struct {
	b      *board.Board
	ctrl   *gic.Controller
	bases  []uint64
	lines  int
	buf    [4]byte
	worker int
}

func newBenchBoard(desc board.Description, worker int) (*benchBoard, error) {
	b, err := board.Build(desc, board.Options{})
	if err != nil {
		return nil, err
	}
	bb := &benchBoard{
		b:      b,
		ctrl:   b.Primary().Controller(),
		bases:  make([]uint64, b.NumCPU()),
		worker: worker,
	}
	bb.lines = bb.ctrl.NumExternalLines()
	for cpu := range bb.bases {
		if bb.bases[cpu], err = b.WindowBase("", "cpu", cpu); err != nil {
			return nil, err
		}
	}
	if err := bb.setup(); err != nil {
		return nil, err
	}
	return bb, nil
}

// setup enables every line, spreads shared lines across CPUs and opens each
// CPU interface fully.
func (bb *benchBoard) setup() error {
	ctrl := bb.ctrl
	embedded := ctrl.Mode() == gic.ModeEmbedded
	base := 0
	if embedded {
		base = gic.PrivateLines
	} else if err := ctrl.WriteDistributor(0, 0x000, 4, 1); err != nil {
		return err
	}
	for off := 0; off < (ctrl.NumIRQ()-base)/8; off++ {
		if err := ctrl.WriteDistributor(0, 0x100+uint32(off), 1, 0xff); err != nil {
			return err
		}
	}
	if !embedded {
		for id := gic.PrivateLines; id < ctrl.NumIRQ(); id++ {
			target := uint32(gic.CPUBit(id % ctrl.NumCPU()))
			if err := ctrl.WriteDistributor(0, 0x800+uint32(id), 1, target); err != nil {
				return err
			}
		}
	}
	for cpu := 0; cpu < ctrl.NumCPU(); cpu++ {
		if embedded {
			break
		}
		if err := ctrl.WriteCPUInterface(cpu, 0x0, 4, 1); err != nil {
			return err
		}
		if err := ctrl.WriteCPUInterface(cpu, 0x4, 4, 0xff); err != nil {
			return err
		}
	}
	return nil
}

func (bb *benchBoard) cpuFor(index int) int {
	if bb.ctrl.Mode() == gic.ModeEmbedded {
		return 0
	}
	return (index + gic.PrivateLines) % bb.ctrl.NumCPU()
}

// cycle raises one line, acknowledges it on its target CPU, lowers it and
// retires it.
func (bb *benchBoard) cycle(index int, sw *timeslice.Stopwatch) error {
	cpu := bb.cpuFor(index)
	want := uint32(index + gic.PrivateLines)

	bb.ctrl.SetLine(index, true)
	sw.Lap(kindRaise)

	clear(bb.buf[:])
	if err := bb.b.HandleMMIO(cpu, bb.bases[cpu]+uint64(gic.AcknowledgeOffset), bb.buf[:], false); err != nil {
		return err
	}
	id := binary.LittleEndian.Uint32(bb.buf[:])
	sw.Lap(kindAck)
	if id != want {
		return fmt.Errorf("worker %d: cpu%d acknowledged %d, want %d", bb.worker, cpu, id, want)
	}

	bb.ctrl.SetLine(index, false)
	sw.Lap(kindLower)

	if err := bb.b.HandleMMIO(cpu, bb.bases[cpu]+uint64(gic.EndOfInterruptOffset), bb.buf[:], true); err != nil {
		return err
	}
	sw.Lap(kindEOI)
	return nil
}

func worker(ctx context.Context, id int, opts options, trace *timeslice.Trace, pb *progressbar.ProgressBar) error {
	bb, err := newBenchBoard(opts.desc, id)
	if err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	slog.Debug("worker started", "worker", id, "board", bb.b.String(), "lines", bb.lines)

	sw := trace.Stopwatch(id)
	done := 0
	for i := 0; i < opts.cycles; i++ {
		if err := bb.cycle(i%bb.lines, sw); err != nil {
			return err
		}
		done++
		if done == progressBatch {
			if err := ctx.Err(); err != nil {
				return err
			}
			_ = pb.Add(done)
			done = 0
		}
	}
	_ = pb.Add(done)
	return nil
}

func printSummary(w io.Writer, path string, color bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	stats, err := timeslice.Summarize(f)
	if err != nil {
		return err
	}

	header := fmt.Sprintf("%-20s %10s %14s %12s %12s %12s", "kind", "count", "total", "mean", "min", "max")
	if color {
		header = ansi.NewStyle().Bold().Styled(header)
	}
	fmt.Fprintln(w, header)
	for _, st := range stats {
		fmt.Fprintf(w, "%-20s %10d %14s %12s %12s %12s\n",
			ansi.Truncate(st.Kind, 20, "…"), st.Count, st.Total, st.Mean(), st.Min, st.Max)
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
