package hv

import (
	"crypto/sha256"
	"encoding/binary"
)

// ConfigHash identifies a machine layout. A snapshot can only be restored
// into a machine with the same hash.
type ConfigHash [32]byte

// DeviceConfig captures device configuration for hashing.
type DeviceConfig struct {
	ID    string
	Base  uint64
	Size  uint64
	Lines uint32
	CPUs  uint32
}

// ComputeConfigHash computes a deterministic hash of a machine layout.
func ComputeConfigHash(machine string, cpuCount int, deviceConfigs []DeviceConfig) ConfigHash {
	h := sha256.New()

	h.Write([]byte(machine))
	h.Write([]byte{0}) // null terminator

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(cpuCount))
	h.Write(buf[:])

	// Device configurations (order matters)
	for _, dc := range deviceConfigs {
		h.Write([]byte(dc.ID))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], dc.Base)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], dc.Size)
		h.Write(buf[:])
		binary.LittleEndian.PutUint32(buf[:4], dc.Lines)
		h.Write(buf[:4])
		binary.LittleEndian.PutUint32(buf[:4], dc.CPUs)
		h.Write(buf[:4])
	}

	var result ConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h ConfigHash) String() string {
	const hexChars = "0123456789abcdef"
	result := make([]byte, 64)
	for i, b := range h {
		result[i*2] = hexChars[b>>4]
		result[i*2+1] = hexChars[b&0x0f]
	}
	return string(result)
}
