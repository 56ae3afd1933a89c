package gic

// SetLine drives external input index. Index 0 is the first shared line
// (id 32). A rising level latches pending on the target CPUs when the line
// is edge triggered or already enabled; a falling level only records the new
// level.
func (c *Controller) SetLine(index int, level bool) {
	id := index + PrivateLines
	if index < 0 || id >= c.numIRQ {
		c.log.Warn("gic: external line out of range", "line", index, "irqs", c.numIRQ)
		return
	}

	l := &c.lines[id]
	if level == (l.level != 0) {
		return
	}

	if level {
		l.level = c.allCPUs
		if l.edge || l.enabled.Intersects(l.target) {
			l.pending |= l.target
		}
	} else {
		l.level = 0
	}
	c.log.Debug("gic: set line", "irq", id, "level", level, "pending", l.pending)
	c.update()
}

// SetPrivateLine drives the banked peripheral input id (16..31) of one CPU.
func (c *Controller) SetPrivateLine(cpu, id int, level bool) {
	if !c.validCPU(cpu) || id < SGILines || id >= PrivateLines {
		c.log.Warn("gic: private line out of range", "cpu", cpu, "irq", id)
		return
	}

	bit := CPUBit(cpu)
	l := &c.lines[id]
	if level == l.level.Has(cpu) {
		return
	}

	if level {
		l.level |= bit
		if l.edge || l.enabled.Has(cpu) {
			l.pending |= bit
		}
	} else {
		l.level &^= bit
	}
	c.log.Debug("gic: set private line", "cpu", cpu, "irq", id, "level", level)
	c.update()
}

// LineLevel reports the stored level of id as seen by cpu.
func (c *Controller) LineLevel(cpu, id int) bool {
	if !c.validCPU(cpu) || id < 0 || id >= c.numIRQ {
		return false
	}
	return c.lines[id].level.Has(cpu)
}

// Pending reports whether id is pending for cpu.
func (c *Controller) Pending(cpu, id int) bool {
	if !c.validCPU(cpu) || id < 0 || id >= c.numIRQ {
		return false
	}
	return c.lines[id].pending.Has(cpu)
}

// Enabled reports whether id is enabled for cpu.
func (c *Controller) Enabled(cpu, id int) bool {
	if !c.validCPU(cpu) || id < 0 || id >= c.numIRQ {
		return false
	}
	return c.lines[id].enabled.Has(cpu)
}

// Active reports whether cpu has acknowledged id without retiring it.
func (c *Controller) Active(cpu, id int) bool {
	if !c.validCPU(cpu) || id < 0 || id >= c.numIRQ {
		return false
	}
	return c.lines[id].active.Has(cpu)
}
