package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/dnscrypt/dnstail/livetail"
	"github.com/powerman/check"
)

func TestWriteSnapshot(tt *testing.T) {
	t := check.T(tt)
	path := filepath.Join(t.TempDir(), "exports", "snapshot.json")
	snapshot := &Snapshot{
		ExportedAt: "2025-03-01T10:20:30Z",
		Origin:     "https://dns.example.com",
		Status:     livetail.StateOpen.String(),
		Dropped:    2,
		Entries:    []livetail.LiveEntry{testEntry()},
	}
	t.Must(t.Nil(WriteSnapshot(path, snapshot)))
	t.Nil(WriteSnapshot(path, snapshot))

	bin, err := os.ReadFile(path)
	t.Must(t.Nil(err))
	var decoded Snapshot
	t.Must(t.Nil(json.Unmarshal(bin, &decoded)))
	t.Equal(decoded.Status, "open")
	t.Equal(decoded.Dropped, uint64(2))
	t.Len(decoded.Entries, 1)
	t.Equal(decoded.Entries[0].Question, "ads.example.com")
}

func TestTakeSnapshot(tt *testing.T) {
	t := check.T(tt)
	config := newConfig()
	config.Origin = "http://127.0.0.1:1"
	config.Credential = "token"
	export := filepath.Join(t.TempDir(), "snapshot.json")
	flags := &ConfigFlags{Export: &export}
	app, err := NewApp(flags, &config)
	t.Must(t.Nil(err))

	app.export()
	bin, err := os.ReadFile(export)
	t.Must(t.Nil(err))
	var decoded Snapshot
	t.Nil(json.Unmarshal(bin, &decoded))
	t.Equal(decoded.Origin, "http://127.0.0.1:1")
	t.Equal(decoded.Status, "idle")
	t.Len(decoded.Entries, 0)
}
