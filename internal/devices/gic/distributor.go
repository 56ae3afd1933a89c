package gic

// Distributor register offsets.
const (
	gicdCtlr       = 0x000 // Distributor control
	gicdTyper      = 0x004 // Interrupt controller type
	gicdIsenabler  = 0x100 // Set-enable
	gicdIcenabler  = 0x180 // Clear-enable
	gicdIspendr    = 0x200 // Set-pending
	gicdIcpendr    = 0x280 // Clear-pending
	gicdIsactiver  = 0x300 // Active
	gicdIpriorityr = 0x400 // Priority
	gicdItargetsr  = 0x800 // CPU targets
	gicdIcfgr      = 0xc00 // Configuration
	gicdSgir       = 0xf00 // Software generated interrupt
	gicdIdent      = 0xfe0 // Identification bytes

	// DistributorSize is the size of the distributor window.
	DistributorSize = 0x1000

	// Lines 29..31 carry the MPCore private timer and watchdog and always
	// target the accessing CPU.
	firstPerCPUTarget = 29
)

type distReg int

const (
	regInvalid distReg = iota
	regCtlr
	regReserved
	regTyper
	regSetEnable
	regClearEnable
	regSetPending
	regClearPending
	regActive
	regPriority
	regTarget
	regConfig
	regIdent
)

func (r distReg) readOnly() bool {
	return r == regTyper || r == regActive || r == regIdent
}

// decodeDist maps a byte offset to a register and the first line that byte
// describes. The register space is decoded exhaustively; anything else is
// regInvalid.
func (c *Controller) decodeDist(offset uint32) (distReg, int) {
	base := c.cfg.baseIRQ()
	embedded := c.cfg.Mode == ModeEmbedded

	var reg distReg
	var id int
	switch {
	case offset < gicdIsenabler:
		if embedded {
			return regInvalid, 0
		}
		switch {
		case offset == gicdCtlr:
			return regCtlr, 0
		case offset < gicdTyper:
			return regReserved, 0
		case offset == gicdTyper:
			return regTyper, 0
		case offset < 0x08:
			return regReserved, 0
		default:
			return regInvalid, 0
		}
	case offset < gicdIcenabler:
		reg, id = regSetEnable, int(offset-gicdIsenabler)*8
	case offset < gicdIspendr:
		reg, id = regClearEnable, int(offset-gicdIcenabler)*8
	case offset < gicdIcpendr:
		reg, id = regSetPending, int(offset-gicdIspendr)*8
	case offset < gicdIsactiver:
		reg, id = regClearPending, int(offset-gicdIcpendr)*8
	case offset < gicdIpriorityr:
		reg, id = regActive, int(offset-gicdIsactiver)*8
	case offset < gicdItargetsr:
		reg, id = regPriority, int(offset-gicdIpriorityr)
	case offset < gicdIcfgr:
		if embedded {
			return regInvalid, 0
		}
		reg, id = regTarget, int(offset-gicdItargetsr)
	case offset < gicdSgir:
		if embedded {
			return regInvalid, 0
		}
		reg, id = regConfig, int(offset-gicdIcfgr)*4
	case offset < gicdIdent:
		return regInvalid, 0
	case offset < DistributorSize:
		return regIdent, 0
	default:
		return regInvalid, 0
	}

	id += base
	if id >= c.numIRQ {
		return regInvalid, 0
	}
	return reg, id
}

// ReadDistributor reads size bytes at offset on behalf of cpu. Multi-byte
// reads are the little-endian composition of byte reads.
func (c *Controller) ReadDistributor(cpu int, offset uint32, size int) (uint32, error) {
	if !c.validCPU(cpu) || !validSize(size) {
		return 0, &RegisterError{Window: "distributor", Offset: offset, Size: size}
	}
	if c.cfg.Mode == ModeEmbedded && offset < gicdIsenabler {
		return c.ReadCPUInterface(0, offset, size)
	}

	var value uint32
	for i := 0; i < size; i++ {
		b, ok := c.readDistByte(cpu, offset+uint32(i))
		if !ok {
			return 0, &RegisterError{Window: "distributor", Offset: offset, Size: size}
		}
		value |= uint32(b) << (8 * i)
	}
	return value, nil
}

// WriteDistributor writes size bytes at offset on behalf of cpu and re-runs
// arbitration before returning.
func (c *Controller) WriteDistributor(cpu int, offset uint32, size int, value uint32) error {
	if !c.validCPU(cpu) || !validSize(size) {
		return &RegisterError{Window: "distributor", Offset: offset, Size: size, Write: true, Value: value}
	}
	if c.cfg.Mode == ModeEmbedded && offset < gicdIsenabler {
		return c.WriteCPUInterface(0, offset, size, value)
	}
	if offset == gicdSgir {
		if size != 4 {
			return &RegisterError{Window: "distributor", Offset: offset, Size: size, Write: true, Value: value}
		}
		c.softwareInterrupt(cpu, value)
		return nil
	}

	for i := 0; i < size; i++ {
		if reg, _ := c.decodeDist(offset + uint32(i)); reg == regInvalid {
			return &RegisterError{Window: "distributor", Offset: offset, Size: size, Write: true, Value: value}
		}
	}
	for i := 0; i < size; i++ {
		c.writeDistByte(cpu, offset+uint32(i), uint8(value>>(8*i)))
	}
	c.update()
	return nil
}

func (c *Controller) readDistByte(cpu int, offset uint32) (uint8, bool) {
	reg, id := c.decodeDist(offset)
	switch reg {
	case regCtlr:
		return uint8(boolBit(c.enabled)), true
	case regReserved:
		return 0, true
	case regTyper:
		return uint8((c.numIRQ/32 - 1) | (c.numCPU-1)<<5), true
	case regSetEnable, regClearEnable:
		return c.collectBits(id, func(l *line) bool { return l.enabled.Has(cpu) }), true
	case regSetPending, regClearPending:
		return c.collectBits(id, func(l *line) bool { return l.pending.Intersects(c.bank(id, cpu)) }), true
	case regActive:
		return c.collectBits(id, func(l *line) bool { return l.active.Intersects(c.bank(id, cpu)) }), true
	case regPriority:
		return c.priority(id, cpu), true
	case regTarget:
		if id >= firstPerCPUTarget && id < PrivateLines {
			return uint8(CPUBit(cpu)), true
		}
		return uint8(c.lines[id].target), true
	case regConfig:
		var v uint8
		for i := 0; i < 4; i++ {
			l := &c.lines[id+i]
			if l.broadcast {
				v |= 1 << (i * 2)
			}
			if l.edge {
				v |= 2 << (i * 2)
			}
		}
		return v, true
	case regIdent:
		if offset&3 != 0 {
			return 0, true
		}
		return c.cfg.ID[(offset-gicdIdent)>>2], true
	default:
		return 0, false
	}
}

// collectBits packs eight consecutive lines starting at id into a byte.
// Private and shared lines never share a byte, so the banking rule of id
// holds for all eight.
func (c *Controller) collectBits(id int, test func(l *line) bool) uint8 {
	var v uint8
	for i := 0; i < 8; i++ {
		if test(&c.lines[id+i]) {
			v |= 1 << i
		}
	}
	return v
}

func (c *Controller) writeDistByte(cpu int, offset uint32, v uint8) {
	reg, id := c.decodeDist(offset)
	if reg.readOnly() {
		c.log.Warn("gic: write to read-only distributor register", "cpu", cpu, "offset", offset, "value", v)
		return
	}

	switch reg {
	case regCtlr:
		c.enabled = v&1 != 0
		c.log.Debug("gic: distributor control", "enabled", c.enabled)
	case regReserved:
	case regSetEnable:
		if id < SGILines {
			v = 0xff
		}
		for i := 0; i < 8; i++ {
			if v&(1<<i) != 0 {
				c.enableLine(id+i, cpu)
			}
		}
	case regClearEnable:
		if id < SGILines {
			v = 0
		}
		for i := 0; i < 8; i++ {
			if v&(1<<i) != 0 {
				c.lines[id+i].enabled &^= c.bank(id+i, cpu)
			}
		}
	case regSetPending:
		for i := 0; i < 8; i++ {
			if v&(1<<i) != 0 {
				c.lines[id+i].pending |= c.deliverable(id+i, cpu)
			}
		}
	case regClearPending:
		// Clears every CPU's copy, banked lines included.
		for i := 0; i < 8; i++ {
			if v&(1<<i) != 0 {
				c.lines[id+i].pending = 0
			}
		}
	case regPriority:
		c.setPriority(id, cpu, v)
	case regTarget:
		var mask CPUSet
		switch {
		case id < firstPerCPUTarget:
			mask = CPUBit(cpu)
		case id < PrivateLines:
			mask = c.allCPUs
		default:
			mask = CPUSet(v) & c.allCPUs
		}
		c.lines[id].target = mask
	case regConfig:
		if id < PrivateLines {
			v = v&^0x55 | 0xaa
		}
		for i := 0; i < 4; i++ {
			l := &c.lines[id+i]
			l.broadcast = v&(1<<(i*2)) != 0
			l.edge = v&(2<<(i*2)) != 0
		}
	}
}

func (c *Controller) enableLine(id, cpu int) {
	l := &c.lines[id]
	if !l.enabled.Has(cpu) {
		c.log.Debug("gic: enable", "cpu", cpu, "irq", id)
	}
	l.enabled |= c.bank(id, cpu)

	// A raised level line becomes pending as soon as it is enabled.
	if !l.edge {
		if mask := c.deliverable(id, cpu); l.level.Intersects(mask) {
			l.pending |= mask
		}
	}
}

func (c *Controller) softwareInterrupt(cpu int, value uint32) {
	id := int(value & 0x3ff)

	var mask CPUSet
	switch (value >> 24) & 3 {
	case 0:
		mask = CPUSet(value>>16) & c.allCPUs
	case 1:
		mask = c.allCPUs &^ CPUBit(cpu)
	case 2:
		mask = CPUBit(cpu)
	default:
		c.log.Warn("gic: reserved software interrupt target filter", "cpu", cpu, "value", value)
		mask = c.allCPUs
	}

	if c.cfg.Mode == ModeEmbedded {
		id += PrivateLines
		mask = CPUBit(0)
	}
	if id >= c.numIRQ {
		c.log.Warn("gic: software interrupt out of range", "cpu", cpu, "irq", id)
		return
	}

	c.log.Debug("gic: software interrupt", "cpu", cpu, "irq", id, "targets", mask)
	c.lines[id].pending |= mask
	c.update()
}
