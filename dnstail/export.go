package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/dchest/safefile"
	"github.com/dnscrypt/dnstail/livetail"
)

// Snapshot - What gets exported from a running tail
type Snapshot struct {
	ExportedAt string                 `json:"exported_at"`
	Origin     string                 `json:"origin"`
	Status     string                 `json:"status"`
	Dropped    uint64                 `json:"dropped"`
	Stats      livetail.StatsSnapshot `json:"stats"`
	Entries    []livetail.LiveEntry   `json:"entries"`
}

func takeSnapshot(origin string, tail *livetail.Tail) *Snapshot {
	return &Snapshot{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Origin:     origin,
		Status:     tail.Status().String(),
		Dropped:    tail.Dropped(),
		Stats:      tail.Stats(),
		Entries:    tail.Entries(),
	}
}

// WriteSnapshot atomically replaces the file at path.
func WriteSnapshot(path string, snapshot *Snapshot) error {
	bin, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return safefile.WriteFile(path, append(bin, '\n'), 0o644)
}
