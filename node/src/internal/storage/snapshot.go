package storage

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const snapshotPattern = "snapshot_*.gob"

// Snapshotter defines the interface for snapshot operations. Snapshot data
// maps canonical key encodings to canonical entry encodings.
type Snapshotter interface {
	Create(data map[string][]byte) (string, error)
	Restore(path string) (map[string][]byte, error)
	Latest() (string, error)
}

// FileSnapshotter implements Snapshotter using file-based storage
type FileSnapshotter struct {
	snapshotDir string
}

// NewFileSnapshotter creates a new FileSnapshotter instance
func NewFileSnapshotter(snapshotDir string) (*FileSnapshotter, error) {
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileSnapshotter{snapshotDir: snapshotDir}, nil
}

// Create writes data to a new snapshot file. The file is written under a
// temporary name and renamed once synced, so a crash never leaves a partial
// snapshot behind.
func (s *FileSnapshotter) Create(data map[string][]byte) (string, error) {
	filename := fmt.Sprintf("snapshot_%019d.gob", time.Now().UnixNano())
	path := filepath.Join(s.snapshotDir, filename)
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}

	if err := gob.NewEncoder(file).Encode(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to encode snapshot data: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to publish snapshot: %w", err)
	}

	return path, nil
}

// Restore loads a snapshot from a file
func (s *FileSnapshotter) Restore(path string) (map[string][]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	defer file.Close()

	var data map[string][]byte
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot data: %w", err)
	}

	return data, nil
}

// Latest returns the newest snapshot path, or "" when there is none.
func (s *FileSnapshotter) Latest() (string, error) {
	files, err := listSnapshots(s.snapshotDir)
	if err != nil || len(files) == 0 {
		return "", err
	}
	return files[len(files)-1], nil
}

// listSnapshots returns snapshot files oldest first. Names embed a fixed
// width timestamp, so lexical order is creation order.
func listSnapshots(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, snapshotPattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
