package board

import (
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/gic/internal/hv"
)

// ErrConfigMismatch is returned when a snapshot was taken on a board with a
// different layout.
var ErrConfigMismatch = errors.New("snapshot taken on a different board layout")

type boardSnapshot struct {
	Name    string
	Devices map[string]hv.DeviceSnapshot
}

// WriteSnapshot writes the state of every controller to w.
func (b *Board) WriteSnapshot(w io.Writer) error {
	devices, err := b.chipset.CaptureSnapshots()
	if err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, hv.SnapshotMagic); err != nil {
		return fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, hv.SnapshotVersion); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	hash := b.ConfigHash()
	if _, err := w.Write(hash[:]); err != nil {
		return fmt.Errorf("write config hash: %w", err)
	}

	snap := boardSnapshot{Name: b.desc.Name, Devices: devices}
	if err := gob.NewEncoder(w).Encode(&snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot restores controller state written by WriteSnapshot. The
// snapshot must come from a board with the same layout.
func (b *Board) ReadSnapshot(r io.Reader) error {
	var magic, version uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if magic != hv.SnapshotMagic {
		return fmt.Errorf("invalid magic: expected %#x, got %#x", hv.SnapshotMagic, magic)
	}
	if version != hv.SnapshotVersion {
		return fmt.Errorf("unsupported version: %d", version)
	}

	var hash hv.ConfigHash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return fmt.Errorf("read config hash: %w", err)
	}
	if want := b.ConfigHash(); hash != want {
		return fmt.Errorf("%w: snapshot %s, board %s", ErrConfigMismatch, hash, want)
	}

	var snap boardSnapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return b.chipset.RestoreSnapshots(snap.Devices)
}

// SaveSnapshot writes a snapshot file.
func (b *Board) SaveSnapshot(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if err := b.WriteSnapshot(f); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return f.Close()
}

// LoadSnapshot restores a snapshot file.
func (b *Board) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	if err := b.ReadSnapshot(f); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	return nil
}
