// Package irqfanout routes the interrupt lines of a RealView EB MPCore board
// baseboard to the controllers that consume them.
package irqfanout

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/gic/internal/chipset"
)

const (
	// Targets is the number of controllers every line is fanned out to.
	Targets = 4
	// Lines is the number of baseboard lines accepted by SetLine.
	Lines = 64
	// AuxLines is the size of the remapped range.
	AuxLines = 32
)

// auxMap maps a baseboard line below AuxLines to its auxiliary controller
// line, or -1 when it is not forwarded.
var auxMap = [AuxLines]int{
	-1, -1, -1, -1, 1, 2, -1, -1,
	-1, -1, -1, -1, 6, -1, 4, 5,
	-1, -1, -1, -1, -1, -1, -1, -1,
	-1, -1, -1, -1, -1, -1, -1, -1,
}

// AuxLine reports the auxiliary line that baseboard line index is forwarded
// to, or -1.
func AuxLine(index int) int {
	if index < 0 || index >= AuxLines {
		return -1
	}
	return auxMap[index]
}

// Router fans baseboard lines out to up to four controllers and forwards a
// fixed subset to an auxiliary controller. It holds no line state.
type Router struct {
	targets [Targets]chipset.LineSink
	aux     chipset.LineSink
	log     *slog.Logger
}

// New builds a router. Nil targets and a nil aux sink are skipped.
func New(targets [Targets]chipset.LineSink, aux chipset.LineSink) *Router {
	return &Router{
		targets: targets,
		aux:     aux,
		log:     slog.Default().With("device", "irqfanout"),
	}
}

// SetLine implements chipset.LineSink.
func (r *Router) SetLine(index int, level bool) {
	if index < 0 || index >= Lines {
		r.log.Warn("irqfanout: line out of range", "line", index)
		return
	}
	for _, t := range r.targets {
		if t != nil {
			t.SetLine(index, level)
		}
	}
	if aux := AuxLine(index); aux >= 0 && r.aux != nil {
		r.log.Debug("irqfanout: forward to aux", "line", index, "aux", aux, "level", level)
		r.aux.SetLine(aux, level)
	}
}

func (r *Router) String() string {
	n := 0
	for _, t := range r.targets {
		if t != nil {
			n++
		}
	}
	return fmt.Sprintf("IRQFanout(targets=%d, aux=%v)", n, r.aux != nil)
}

var _ chipset.LineSink = (*Router)(nil)
