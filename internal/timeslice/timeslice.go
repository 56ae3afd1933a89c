// Package timeslice records the duration of individual interrupt controller
// operations into a compact binary trace that can be summarized later.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

const (
	Magic   uint32 = 0x54434947 // "GICT"
	Version uint32 = 1
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// Kind identifies a recorded operation.
type Kind uint32

const InvalidKind = Kind(0)

var (
	kindsMu sync.Mutex
	kinds   = map[Kind]string{}
)

// RegisterKind adds a named operation kind. Kinds must be registered before
// a trace is opened to be named in it.
func RegisterKind(name string) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := Kind(len(kinds) + 1)
	kinds[id] = name
	return id
}

type sample struct {
	Kind     Kind
	Worker   uint32
	Duration int64
}

var sampleSize = binary.Size(sample{})

// Trace streams samples to a writer from a background goroutine. Record is
// safe for concurrent use.
type Trace struct {
	w       io.Writer
	samples chan sample
	done    chan error

	closeOnce sync.Once
	closeErr  error
}

// Open writes the trace header and starts the writer goroutine.
func Open(w io.Writer) (*Trace, error) {
	kindsMu.Lock()
	names, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(names)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(names); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	t := &Trace{
		w:       w,
		samples: make(chan sample, 4096),
		done:    make(chan error, 1),
	}
	go t.run()
	return t, nil
}

func (t *Trace) run() {
	var buf [4096]byte
	off := 0
	for s := range t.samples {
		if off+sampleSize > len(buf) {
			if _, err := t.w.Write(buf[:off]); err != nil {
				t.done <- err
				// Drain so Record never blocks on a dead writer.
				for range t.samples {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(s.Kind))
		binary.LittleEndian.PutUint32(buf[off+4:], s.Worker)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(s.Duration))
		off += sampleSize
	}
	if off > 0 {
		if _, err := t.w.Write(buf[:off]); err != nil {
			t.done <- err
			return
		}
	}
	t.done <- nil
}

// Record queues one sample. It must not be called after Close.
func (t *Trace) Record(kind Kind, worker int, d time.Duration) {
	if t == nil {
		return
	}
	t.samples <- sample{Kind: kind, Worker: uint32(worker), Duration: d.Nanoseconds()}
}

// Close flushes queued samples and stops the writer goroutine.
func (t *Trace) Close() error {
	t.closeOnce.Do(func() {
		close(t.samples)
		if err := <-t.done; err != nil {
			t.closeErr = fmt.Errorf("timeslice: write samples: %w", err)
		}
	})
	return t.closeErr
}

// Stopwatch measures consecutive operations of one worker.
// It is not safe for concurrent use.
type Stopwatch struct {
	trace  *Trace
	worker int
	last   time.Time
}

func (t *Trace) Stopwatch(worker int) *Stopwatch {
	return &Stopwatch{trace: t, worker: worker, last: time.Now()}
}

// Lap records the time since the previous lap as kind.
func (s *Stopwatch) Lap(kind Kind) {
	now := time.Now()
	s.trace.Record(kind, s.worker, now.Sub(s.last))
	s.last = now
}

// ReadAll calls fn for every sample in a trace.
func ReadAll(r io.Reader, fn func(kind string, worker int, d time.Duration) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var names map[Kind]string
	if err := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength))).Decode(&names); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	for {
		var s sample
		if err := binary.Read(buf, binary.LittleEndian, &s); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read sample: %w", err)
		}
		name, ok := names[s.Kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", s.Kind)
		}
		if err := fn(name, int(s.Worker), time.Duration(s.Duration)); err != nil {
			return err
		}
	}
}

// Stat aggregates the samples of one kind.
type Stat struct {
	Kind  string
	Count int
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s Stat) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads a trace and aggregates it per kind, sorted by name.
func Summarize(r io.Reader) ([]Stat, error) {
	stats := map[string]*Stat{}
	err := ReadAll(r, func(kind string, _ int, d time.Duration) error {
		st := stats[kind]
		if st == nil {
			st = &Stat{Kind: kind, Min: d, Max: d}
			stats[kind] = st
		}
		st.Count++
		st.Total += d
		st.Min = min(st.Min, d)
		st.Max = max(st.Max, d)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Stat, 0, len(stats))
	for _, st := range stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}
