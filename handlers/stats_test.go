package handlers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestStatsPersist(t *testing.T) {
	dir := t.TempDir()
	s := NewStats(dir, zaptest.NewLogger(t))

	if _, err := os.Stat(filepath.Join(dir, StatsFile)); err != nil {
		t.Fatalf("stats file not created at startup: %v", err)
	}

	s.Record(100, false)
	s.Record(50, true)
	s.Record(25, true)
	s.Close()

	raw, err := os.ReadFile(filepath.Join(dir, StatsFile))
	if err != nil {
		t.Fatal(err)
	}
	var onDisk StatsSnapshot
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("stats file is not JSON: %v", err)
	}
	want := StatsSnapshot{CombosServed: 3, BytesServed: 175, CacheHits: 2, CacheMisses: 1}
	if onDisk != want {
		t.Fatalf("on disk = %+v, want %+v", onDisk, want)
	}

	reloaded := NewStats(dir, zaptest.NewLogger(t))
	if got := reloaded.Snapshot(); got != want {
		t.Fatalf("reloaded = %+v, want %+v", got, want)
	}
}

func TestStatsRecordDoesNotWaitForDisk(t *testing.T) {
	dir := t.TempDir()
	s := NewStats(dir, zaptest.NewLogger(t))

	// Stall the writer as a slow disk would.
	s.writeMu.Lock()
	done := make(chan struct{})
	go func() {
		s.Record(10, false)
		s.Record(20, true)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.writeMu.Unlock()
		t.Fatal("Record blocked behind a pending stats write")
	}
	if got := s.Snapshot(); got.CombosServed != 2 || got.BytesServed != 30 {
		t.Errorf("snapshot during write = %+v", got)
	}
	s.writeMu.Unlock()
	s.Close()

	raw, err := os.ReadFile(filepath.Join(dir, StatsFile))
	if err != nil {
		t.Fatal(err)
	}
	var onDisk StatsSnapshot
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatal(err)
	}
	if want := (StatsSnapshot{CombosServed: 2, BytesServed: 30, CacheHits: 1, CacheMisses: 1}); onDisk != want {
		t.Fatalf("on disk = %+v, want %+v", onDisk, want)
	}
}

func TestStatsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, StatsFile), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStats(dir, zaptest.NewLogger(t))
	if got := s.Snapshot(); got != (StatsSnapshot{}) {
		t.Fatalf("corrupt file gave %+v", got)
	}
}

func TestStatsNil(t *testing.T) {
	var s *Stats
	s.Record(1, true)
	s.Close()
	if s.Snapshot() != (StatsSnapshot{}) {
		t.Fatal("nil stats not empty")
	}
}
