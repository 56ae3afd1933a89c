package chipset

import (
	"fmt"

	"github.com/tinyrange/gic/internal/hv"
)

// Start activates all registered devices in registration order.
func (c *Chipset) Start() error {
	for _, name := range c.order {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices in reverse registration order.
func (c *Chipset) Stop() error {
	for i := len(c.order) - 1; i >= 0; i-- {
		name := c.order[i]
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.order {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// DeviceNames returns device names in registration order.
func (c *Chipset) DeviceNames() []string {
	return append([]string(nil), c.order...)
}

// Regions returns every registered MMIO region.
func (c *Chipset) Regions() []hv.MMIORegion {
	regions := make([]hv.MMIORegion, 0, len(c.mmio))
	for _, binding := range c.mmio {
		regions = append(regions, binding.region)
	}
	return regions
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	for _, binding := range c.mmio {
		if binding.region.Contains(addr, uint64(len(data))) {
			if isWrite {
				return binding.handler.WriteMMIO(ctx, addr, data)
			}
			return binding.handler.ReadMMIO(ctx, addr, data)
		}
	}

	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}

// CaptureSnapshots collects snapshots from every device that supports them.
func (c *Chipset) CaptureSnapshots() (map[string]hv.DeviceSnapshot, error) {
	snaps := make(map[string]hv.DeviceSnapshot)
	for _, name := range c.order {
		snapper, ok := c.devices[name].(hv.DeviceSnapshotter)
		if !ok {
			continue
		}
		snap, err := snapper.CaptureSnapshot()
		if err != nil {
			return nil, fmt.Errorf("chipset: capture %q: %w", name, err)
		}
		snaps[name] = snap
	}
	return snaps, nil
}

// RestoreSnapshots restores device state captured by CaptureSnapshots.
func (c *Chipset) RestoreSnapshots(snaps map[string]hv.DeviceSnapshot) error {
	for _, name := range c.order {
		snapper, ok := c.devices[name].(hv.DeviceSnapshotter)
		if !ok {
			continue
		}
		snap, ok := snaps[name]
		if !ok {
			return fmt.Errorf("chipset: snapshot missing device %q", name)
		}
		if err := snapper.RestoreSnapshot(snap); err != nil {
			return fmt.Errorf("chipset: restore %q: %w", name, err)
		}
	}
	return nil
}
