package gic

// CPU interface register offsets.
const (
	giccCtlr  = 0x00 // Control
	giccPmr   = 0x04 // Priority mask
	giccBpr   = 0x08 // Binary point
	giccIar   = 0x0c // Interrupt acknowledge
	giccEoir  = 0x10 // End of interrupt
	giccRpr   = 0x14 // Running priority
	giccHppir = 0x18 // Highest pending interrupt

	// CPUInterfaceSize is the size of one CPU interface window.
	CPUInterfaceSize = 0x100

	// AcknowledgeOffset and EndOfInterruptOffset locate the claim and retire
	// registers within a CPU interface window.
	AcknowledgeOffset    = giccIar
	EndOfInterruptOffset = giccEoir
)

// Acknowledge claims the best eligible interrupt for cpu and returns its id,
// or SpuriousID when nothing would preempt the running interrupt. The
// priority mask gates the output only; a masked candidate can still be
// claimed.
func (c *Controller) Acknowledge(cpu int) int {
	if !c.validCPU(cpu) {
		return SpuriousID
	}
	st := &c.cpus[cpu]
	id := st.bestPending
	if id == SpuriousID {
		c.stats[cpu].Spurious++
		return SpuriousID
	}
	prio := c.priority(id, cpu)
	if int(prio) >= st.runningPriority {
		c.stats[cpu].Spurious++
		c.log.Debug("gic: acknowledge would not preempt", "cpu", cpu, "irq", id, "prio", prio, "running", st.runningPriority)
		return SpuriousID
	}

	st.lastActive[id] = st.runningID

	l := &c.lines[id]
	// Level triggered lines are re-pended on EOI if still raised.
	if l.broadcast {
		l.pending &^= c.allCPUs
	} else {
		l.pending &^= CPUBit(cpu)
	}
	l.active |= CPUBit(cpu)
	c.stats[cpu].Acknowledges++

	c.log.Debug("gic: acknowledge", "cpu", cpu, "irq", id, "prio", prio)
	c.setRunning(cpu, id)
	return id
}

// EndOfInterrupt retires id on cpu. Ids that do not name a line, including
// SpuriousID, and EOIs with nothing running are ignored. Retiring an id that
// is not the running one unlinks it from the preemption chain and leaves
// the running interrupt in place.
func (c *Controller) EndOfInterrupt(cpu, id int) {
	if !c.validCPU(cpu) || id < 0 || id >= c.numIRQ {
		return
	}
	st := &c.cpus[cpu]
	if st.runningID == SpuriousID {
		c.log.Warn("gic: EOI with no running interrupt", "cpu", cpu, "irq", id)
		return
	}

	bit := CPUBit(cpu)
	l := &c.lines[id]
	repend := false
	if !l.edge && l.enabled.Has(cpu) && l.level.Has(cpu) && c.deliverable(id, cpu).Has(cpu) {
		l.pending |= bit
		repend = true
	}
	l.active &^= bit
	c.stats[cpu].EOIs++
	c.log.Debug("gic: end of interrupt", "cpu", cpu, "irq", id, "running", st.runningID, "repend", repend)

	if id == st.runningID {
		prev := st.lastActive[id]
		st.lastActive[id] = SpuriousID
		c.setRunning(cpu, prev)
	} else {
		c.unlinkActive(cpu, id)
		if repend {
			c.update()
		}
	}

	if c.eoiHook != nil && !isPrivate(id) {
		c.eoiHook.HandleEOI(id - PrivateLines)
	}
}

// unlinkActive removes id from cpu's chain without changing what runs.
func (c *Controller) unlinkActive(cpu, id int) {
	st := &c.cpus[cpu]
	// The walk is bounded: priority rewrites while a line is active can
	// link an id into the chain twice.
	steps := 0
	for tmp := st.runningID; st.lastActive[tmp] != SpuriousID && steps < c.numIRQ; tmp = st.lastActive[tmp] {
		steps++
		if st.lastActive[tmp] == id {
			st.lastActive[tmp] = st.lastActive[id]
			st.lastActive[id] = SpuriousID
			return
		}
	}
	c.log.Warn("gic: EOI for interrupt that is not active", "cpu", cpu, "irq", id)
}

func (c *Controller) setRunning(cpu, id int) {
	st := &c.cpus[cpu]
	st.runningID = id
	if id == SpuriousID {
		st.runningPriority = idlePriority
	} else {
		st.runningPriority = int(c.priority(id, cpu))
	}
	c.update()
}

// activeChain returns cpu's preemption chain starting at the running id.
func (c *Controller) activeChain(cpu int) []int {
	st := &c.cpus[cpu]
	var chain []int
	for id := st.runningID; id != SpuriousID; id = st.lastActive[id] {
		chain = append(chain, id)
		if len(chain) > c.numIRQ {
			break
		}
	}
	return chain
}

// ReadCPUInterface reads a CPU interface register on behalf of cpu.
// Reading the acknowledge register claims an interrupt.
func (c *Controller) ReadCPUInterface(cpu int, offset uint32, size int) (uint32, error) {
	if !c.validCPU(cpu) || !validSize(size) || offset%4 != 0 {
		return 0, &RegisterError{Window: "cpu", Offset: offset, Size: size}
	}

	var value uint32
	st := &c.cpus[cpu]
	switch offset {
	case giccCtlr:
		value = boolBit(st.enabled)
	case giccPmr:
		value = uint32(st.priorityMask)
	case giccBpr:
		value = uint32(st.binaryPoint)
	case giccIar:
		value = uint32(c.Acknowledge(cpu))
	case giccRpr:
		value = uint32(st.runningPriority)
	case giccHppir:
		value = uint32(st.bestPending)
	default:
		return 0, &RegisterError{Window: "cpu", Offset: offset, Size: size}
	}
	return truncate(value, size), nil
}

// WriteCPUInterface writes a CPU interface register on behalf of cpu.
func (c *Controller) WriteCPUInterface(cpu int, offset uint32, size int, value uint32) error {
	if !c.validCPU(cpu) || !validSize(size) || offset%4 != 0 {
		return &RegisterError{Window: "cpu", Offset: offset, Size: size, Write: true, Value: value}
	}

	st := &c.cpus[cpu]
	switch offset {
	case giccCtlr:
		st.enabled = value&1 != 0
		c.log.Debug("gic: cpu interface control", "cpu", cpu, "enabled", st.enabled)
	case giccPmr:
		st.priorityMask = uint8(value)
	case giccBpr:
		st.binaryPoint = uint8(value)
	case giccEoir:
		c.EndOfInterrupt(cpu, int(value&0x3ff))
		return nil
	case giccIar, giccRpr, giccHppir:
		c.log.Warn("gic: write to read-only cpu register", "cpu", cpu, "offset", offset, "value", value)
		return nil
	default:
		return &RegisterError{Window: "cpu", Offset: offset, Size: size, Write: true, Value: value}
	}
	c.update()
	return nil
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func validSize(size int) bool {
	return size == 1 || size == 2 || size == 4
}

func truncate(value uint32, size int) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	default:
		return value
	}
}
