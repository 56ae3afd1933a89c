package gic

// update re-runs arbitration for every CPU and drives the outputs. It is a
// full scan on purpose: register accesses are rare next to guest execution.
func (c *Controller) update() {
	for cpu := range c.cpus {
		c.updateCPU(cpu)
	}
}

func (c *Controller) updateCPU(cpu int) {
	st := &c.cpus[cpu]
	st.bestPending = SpuriousID

	level := false
	if c.enabled && st.enabled {
		best, prio := c.bestCandidate(cpu)
		st.bestPending = best
		level = best != SpuriousID &&
			prio <= int(st.priorityMask) &&
			prio < st.runningPriority
	}

	st.output = level
	c.outputs[cpu].SetLevel(level)
}

// bestCandidate returns the enabled and pending line with the numerically
// lowest priority for cpu. Equal priorities resolve to the lowest id.
func (c *Controller) bestCandidate(cpu int) (int, int) {
	best, bestPrio := SpuriousID, idlePriority
	for id := range c.lines {
		l := &c.lines[id]
		if !l.enabled.Has(cpu) || !l.pending.Has(cpu) {
			continue
		}
		if prio := int(c.priority(id, cpu)); prio < bestPrio {
			best, bestPrio = id, prio
		}
	}
	return best, bestPrio
}

// wantsInterrupt reports whether the arbitration rule requires cpu's output
// to be asserted in the current state. It recomputes from scratch and does
// not touch the cached state.
func (c *Controller) wantsInterrupt(cpu int) bool {
	st := &c.cpus[cpu]
	if !c.enabled || !st.enabled {
		return false
	}
	best, prio := c.bestCandidate(cpu)
	return best != SpuriousID && prio <= int(st.priorityMask) && prio < st.runningPriority
}
