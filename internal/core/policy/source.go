package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source hands out the current policy table and supports reloading it
// without a restart. Readers get an immutable *Table snapshot; a reload
// swaps the pointer, so in-flight evaluations are never affected by a rule
// change that lands mid-decision.
type Source struct {
	mu     sync.RWMutex
	table  *Table
	path   string // empty for builtin-only sources
	logger *slog.Logger
}

// NewSource wraps a fixed table. Reload is a no-op for sources without a
// backing file.
func NewSource(table *Table, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{table: table, logger: logger}
}

// NewFileSource loads the table from a YAML file. The file can later be
// reloaded explicitly or through Watch.
func NewFileSource(path string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	table, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return &Source{table: table, path: path, logger: logger}, nil
}

// Current returns the active table snapshot.
func (s *Source) Current() *Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

// Reload re-reads the backing file. A malformed file keeps the previous
// table in place; only startup treats parse failures as fatal.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	table, err := LoadFile(s.path)
	if err != nil {
		s.logger.Error("policy reload failed, keeping previous table", slog.Any("error", err))
		return err
	}
	s.mu.Lock()
	s.table = table
	s.mu.Unlock()
	s.logger.Info("policy table reloaded", slog.String("path", s.path), slog.Int("platforms", table.Len()))
	return nil
}

// Watch reloads the table whenever the backing file changes. It blocks
// until ctx is cancelled. Rapid successive writes are debounced so editors
// that write in bursts trigger a single reload.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would be lost.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}

	const debounce = 500 * time.Millisecond
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("policy watcher error", slog.Any("error", err))
		case <-reload:
			_ = s.Reload()
		}
	}
}
