// Package filestore implements the graph storage contract on top of the
// in-memory store, persisting the whole graph to a JSON snapshot file:
// loaded on open, flushed periodically in the background and once more on
// close. Writes go to a temp file first and are swapped in with a rename
// so a crash never leaves a truncated snapshot.
package filestore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kalambet/weave/internal/graph"
	"github.com/kalambet/weave/internal/graph/memstore"
)

// DefaultFlushInterval is how often the background loop writes a snapshot
// when the caller does not override it.
const DefaultFlushInterval = 30 * time.Second

// Store is a file-backed graph store.
type Store struct {
	*memstore.Store

	path   string
	logger *slog.Logger

	closeOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Compile-time check that Store implements the full contract.
var _ graph.Store = (*Store)(nil)

// Options tunes snapshot behavior.
type Options struct {
	// FlushInterval between background snapshots. <= 0 uses the default;
	// set to a negative duration in tests that flush manually via Close.
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Open loads (or creates) the snapshot file at path and starts the
// background flush loop.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		Store:   memstore.New(),
		path:    path,
		logger:  logger,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := s.Restore(data); err != nil {
			return nil, fmt.Errorf("loading snapshot %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fresh store
	default:
		return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
	}

	interval := opts.FlushInterval
	if interval == 0 {
		interval = DefaultFlushInterval
	}
	go s.flushLoop(interval)

	return s, nil
}

func (s *Store) flushLoop(interval time.Duration) {
	defer close(s.stopped)
	if interval < 0 {
		<-s.stop
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Error("snapshot flush failed", "path", s.path, "error", err)
			}
		}
	}
}

// Flush writes the current state to the snapshot file atomically.
func (s *Store) Flush() error {
	data, err := s.Snapshot()
	if err != nil {
		return fmt.Errorf("serializing snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("swapping snapshot: %w", err)
	}
	return nil
}

// Close stops the flush loop and writes a final snapshot.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.stopped
		err = s.Flush()
	})
	return err
}
