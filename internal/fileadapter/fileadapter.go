// Package fileadapter backs the text-file conversation backend: a
// directory of files stands in for a chat conversation, and
// FileEventCache keeps the undo log (with on-disk pre-image backups)
// that makes create/update/delete operations reversible. Its TTL sweep
// is cron-scheduled the same way the message/attachment caches' are.
package fileadapter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Kind identifies the operation an UndoEvent reverses.
type Kind int

const (
	Create Kind = iota
	Update
	Delete
	Move
)

// UndoEvent is one reversible change to a tracked file.
type UndoEvent struct {
	Kind       Kind
	Path       string
	OldPath    string // Move only: the path this file was renamed from
	BackupPath string // Update/Delete only: pre-image content on disk
	Recorded   time.Time
}

// Config bounds FileEventCache's backup storage and retention.
type Config struct {
	BackupDir        string
	MaxAge           time.Duration
	MaxEventsPerFile int
	SweepInterval    time.Duration
}

// FileEventCache is the per-conversation undo log for the file
// backend. Mutations of the event log are applied under a single
// mutex; backup writes happen synchronously in the calling goroutine,
// before that lock is taken, rather than on a separate worker, since file I/O here is local and the caller already expects
// to block on disk access for the original operation.
type FileEventCache struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	events map[string][]*UndoEvent // path -> undo chain, oldest first

	cron    *cron.Cron
	entryID cron.EntryID
}

// NewFileEventCache builds an event cache writing backups under
// cfg.BackupDir.
func NewFileEventCache(cfg Config, log *slog.Logger) (*FileEventCache, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BackupDir != "" {
		if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
			return nil, fmt.Errorf("fileadapter: create backup dir: %w", err)
		}
	}
	return &FileEventCache{
		cfg:    cfg,
		log:    log.With("component", "file_event_cache"),
		events: make(map[string][]*UndoEvent),
	}, nil
}

// RecordCreate logs that path was newly created. Undoing a Create
// means deleting the file; there is no pre-image to keep.
func (c *FileEventCache) RecordCreate(path string) {
	c.append(path, &UndoEvent{Kind: Create, Path: path, Recorded: time.Now()})
}

// RecordUpdate logs an in-place edit, backing up oldContent so the
// edit can be reversed.
func (c *FileEventCache) RecordUpdate(path string, oldContent []byte) error {
	backupPath, err := c.writeBackup(oldContent)
	if err != nil {
		return err
	}
	c.append(path, &UndoEvent{Kind: Update, Path: path, BackupPath: backupPath, Recorded: time.Now()})
	return nil
}

// RecordDelete logs a deletion, backing up the removed content so it
// can be restored.
func (c *FileEventCache) RecordDelete(path string, oldContent []byte) error {
	backupPath, err := c.writeBackup(oldContent)
	if err != nil {
		return err
	}
	c.append(path, &UndoEvent{Kind: Delete, Path: path, BackupPath: backupPath, Recorded: time.Now()})
	return nil
}

// RecordMove logs a rename from oldPath to newPath. Per the resolved
// design question, a move drops the moved file's prior undo history
// rather than synthesizing an inverse move across it: undo semantics
// for a renamed file start fresh at the new path, since reconstructing
// a rename-aware undo chain (path A's history replaying correctly
// after it becomes path B, and vice versa on a later undo) is not
// worth the complexity for a best-effort local backend.
func (c *FileEventCache) RecordMove(oldPath, newPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events, oldPath)
	c.events[newPath] = []*UndoEvent{{Kind: Move, Path: newPath, OldPath: oldPath, Recorded: time.Now()}}
}

func (c *FileEventCache) append(path string, ev *UndoEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[path] = append(c.events[path], ev)
}

// writeBackup persists content under cfg.BackupDir keyed by a random
// id, returning the path written.
func (c *FileEventCache) writeBackup(content []byte) (string, error) {
	if c.cfg.BackupDir == "" {
		return "", fmt.Errorf("fileadapter: no backup dir configured")
	}
	name := uuid.NewString()
	path := filepath.Join(c.cfg.BackupDir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("fileadapter: write backup: %w", err)
	}
	return path, nil
}

// Undo pops and returns the most recent undo event for path, along
// with its pre-image content (nil for Create, since undoing a create
// means deleting the file; error for Move, since moves are not
// undoable per RecordMove's design).
func (c *FileEventCache) Undo(path string) (*UndoEvent, []byte, error) {
	c.mu.Lock()
	chain := c.events[path]
	if len(chain) == 0 {
		c.mu.Unlock()
		return nil, nil, fmt.Errorf("fileadapter: no undo history for %s", path)
	}
	ev := chain[len(chain)-1]
	c.events[path] = chain[:len(chain)-1]
	if len(c.events[path]) == 0 {
		delete(c.events, path)
	}
	c.mu.Unlock()

	switch ev.Kind {
	case Create:
		return ev, nil, nil
	case Move:
		return nil, nil, fmt.Errorf("fileadapter: move of %s is not undoable", path)
	default:
		content, err := os.ReadFile(ev.BackupPath)
		if err != nil {
			return nil, nil, fmt.Errorf("fileadapter: read backup for %s: %w", path, err)
		}
		return ev, content, nil
	}
}

// StartSweep schedules the periodic TTL/per-file-cap eviction. Returns
// a stop function.
func (c *FileEventCache) StartSweep() func() {
	if c.cfg.SweepInterval <= 0 {
		return func() {}
	}
	c.cron = cron.New(cron.WithSeconds())
	id, err := c.cron.AddFunc("@every "+c.cfg.SweepInterval.String(), c.sweep)
	if err != nil {
		c.log.Error("schedule file event cache sweep failed", "error", err)
		return func() {}
	}
	c.entryID = id
	c.cron.Start()
	return func() {
		c.cron.Remove(c.entryID)
		ctx := c.cron.Stop()
		<-ctx.Done()
	}
}

func (c *FileEventCache) sweep() {
	var toDelete []string

	c.mu.Lock()
	cutoff := time.Time{}
	if c.cfg.MaxAge > 0 {
		cutoff = time.Now().Add(-c.cfg.MaxAge)
	}
	for path, chain := range c.events {
		var kept []*UndoEvent
		for _, ev := range chain {
			if !cutoff.IsZero() && ev.Recorded.Before(cutoff) {
				if ev.BackupPath != "" {
					toDelete = append(toDelete, ev.BackupPath)
				}
				continue
			}
			kept = append(kept, ev)
		}
		if c.cfg.MaxEventsPerFile > 0 && len(kept) > c.cfg.MaxEventsPerFile {
			sort.Slice(kept, func(i, j int) bool { return kept[i].Recorded.Before(kept[j].Recorded) })
			excess := len(kept) - c.cfg.MaxEventsPerFile
			for _, ev := range kept[:excess] {
				if ev.BackupPath != "" {
					toDelete = append(toDelete, ev.BackupPath)
				}
			}
			kept = kept[excess:]
		}
		if len(kept) == 0 {
			delete(c.events, path)
		} else {
			c.events[path] = kept
		}
	}
	c.mu.Unlock()

	for _, path := range toDelete {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.log.Warn("remove stale backup failed", "path", path, "error", err)
		}
	}
}
