package handlers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// StatsFile is the name of the counters file inside the stats directory.
const StatsFile = "combo-stats.json"

// StatsSnapshot is a point-in-time copy of the serve counters.
type StatsSnapshot struct {
	CombosServed int64 `json:"combos_served"`
	BytesServed  int64 `json:"bytes_served"`
	CacheHits    int64 `json:"cache_hits"`
	CacheMisses  int64 `json:"cache_misses"`
}

// Stats counts served combos and persists the totals across restarts.
type Stats struct {
	mu   sync.Mutex
	data StatsSnapshot
	path string
	log  *zap.Logger

	// writeMu serializes file writes; written is the CombosServed value of
	// the last snapshot on disk. Record never waits on writeMu.
	writeMu sync.Mutex
	written int64
	// wg tracks in-flight writes so Close can wait for them.
	wg sync.WaitGroup
}

// NewStats loads any counters saved in statsDir. If the file does not exist
// it is created immediately with zero counters so that permission problems
// surface at startup rather than on the first request.
func NewStats(statsDir string, log *zap.Logger) *Stats {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Stats{
		path: filepath.Join(statsDir, StatsFile),
		log:  log.Named("stats"),
	}

	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("Could not open stats file", zap.String("path", s.path), zap.Error(err))
			return s
		}
		if err := persistStats(s.path, StatsSnapshot{}); err != nil {
			s.log.Warn("Could not create stats file", zap.String("path", s.path), zap.Error(err))
		}
		return s
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&s.data); err != nil {
		s.log.Warn("Could not parse stats file, starting from zero", zap.String("path", s.path), zap.Error(err))
		s.data = StatsSnapshot{}
	}
	return s
}

// Record counts one served combo of bytesSent bytes. cacheHit tells whether
// it came from the response cache.
func (s *Stats) Record(bytesSent int64, cacheHit bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.data.CombosServed++
	s.data.BytesServed += bytesSent
	if cacheHit {
		s.data.CacheHits++
	} else {
		s.data.CacheMisses++
	}
	snap := s.data
	s.mu.Unlock()

	// Write asynchronously so the response is never delayed by disk I/O.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.mu.Lock()
		stale := snap.CombosServed < s.data.CombosServed
		s.mu.Unlock()
		// A later Record will write newer totals.
		if stale {
			return
		}

		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if snap.CombosServed <= s.written {
			return
		}
		if err := persistStats(s.path, snap); err != nil {
			s.log.Warn("Could not persist stats", zap.Error(err))
			return
		}
		s.written = snap.CombosServed
	}()
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Close waits for pending writes.
func (s *Stats) Close() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

// persistStats does the atomic write and returns any error.
func persistStats(filePath string, data StatsSnapshot) error {
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, ".combo-stats-*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := json.NewEncoder(tmp).Encode(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("could not write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not close temp file: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not rename %s to %s: %w", tmpName, filePath, err)
	}
	return nil
}
