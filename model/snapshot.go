package model

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const snapshotVersion = 1

// snapshot is the on-disk form of a Network: gob inside a zstd stream.
type snapshot struct {
	Version int
	Size    int
	Hidden  int
	Params  []float32
}

// Save writes the network to path, replacing any previous snapshot. The file
// is written next to path and renamed so readers never see a partial file.
func (n *Network) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	_ = os.Remove(tmpPath)

	if err := writeSnapshot(tmpPath, snapshot{
		Version: snapshotVersion,
		Size:    n.size,
		Hidden:  n.hidden,
		Params:  n.theta,
	}); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

func writeSnapshot(path string, snap snapshot) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if err := gob.NewEncoder(zw).Encode(snap); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	return f.Close()
}

// Load reads a snapshot written by Save.
func Load(path string) (*Network, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	var snap snapshot
	if err := gob.NewDecoder(zr).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("snapshot %s: unsupported version %d", path, snap.Version)
	}
	if snap.Size < 1 || snap.Hidden < 1 {
		return nil, fmt.Errorf("snapshot %s: invalid shape %dx%d", path, snap.Size, snap.Hidden)
	}

	n := newNetwork(snap.Size, snap.Hidden)
	if err := n.SetParams(snap.Params); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return n, nil
}
