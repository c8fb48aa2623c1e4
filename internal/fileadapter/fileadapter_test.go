package fileadapter

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordCreateThenUndo(t *testing.T) {
	c, err := NewFileEventCache(Config{BackupDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.RecordCreate("a.txt")

	ev, content, err := c.Undo("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != Create || content != nil {
		t.Errorf("Undo() on a Create = (%+v, %v), want Kind=Create content=nil", ev, content)
	}
}

func TestRecordUpdateThenUndoRestoresPreImage(t *testing.T) {
	c, err := NewFileEventCache(Config{BackupDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RecordUpdate("a.txt", []byte("old content")); err != nil {
		t.Fatal(err)
	}

	ev, content, err := c.Undo("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != Update || string(content) != "old content" {
		t.Errorf("Undo() = (%+v, %q), want Kind=Update content=\"old content\"", ev, content)
	}
}

func TestRecordDeleteThenUndoRestoresContent(t *testing.T) {
	c, err := NewFileEventCache(Config{BackupDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RecordDelete("a.txt", []byte("deleted content")); err != nil {
		t.Fatal(err)
	}

	ev, content, err := c.Undo("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != Delete || string(content) != "deleted content" {
		t.Errorf("Undo() = (%+v, %q), want Kind=Delete content=\"deleted content\"", ev, content)
	}
}

func TestUndoNoHistoryIsError(t *testing.T) {
	c, err := NewFileEventCache(Config{BackupDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Undo("never-touched.txt"); err == nil {
		t.Error("Undo on a path with no recorded history should error")
	}
}

func TestUndoPopsMostRecentEventOnly(t *testing.T) {
	c, err := NewFileEventCache(Config{BackupDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RecordUpdate("a.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordUpdate("a.txt", []byte("v2")); err != nil {
		t.Fatal(err)
	}

	_, content, err := c.Undo("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "v2" {
		t.Errorf("first Undo() should pop the most recent event, got %q", content)
	}

	_, content, err = c.Undo("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "v1" {
		t.Errorf("second Undo() should pop the next-oldest event, got %q", content)
	}

	if _, _, err := c.Undo("a.txt"); err == nil {
		t.Error("a third Undo() should fail: the chain is now exhausted")
	}
}

func TestRecordMoveDropsPriorHistory(t *testing.T) {
	c, err := NewFileEventCache(Config{BackupDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RecordUpdate("old.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}

	c.RecordMove("old.txt", "new.txt")

	if _, _, err := c.Undo("old.txt"); err == nil {
		t.Error("old.txt's undo history should have been dropped by the move")
	}
	if _, _, err := c.Undo("new.txt"); err == nil {
		t.Error("a move is not itself undoable")
	}
}

func TestWriteBackupFailsWithoutBackupDir(t *testing.T) {
	c, err := NewFileEventCache(Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RecordUpdate("a.txt", []byte("content")); err == nil {
		t.Error("RecordUpdate should fail when no backup dir is configured")
	}
}

func TestSweepEvictsExpiredEvents(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileEventCache(Config{BackupDir: dir, MaxAge: time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RecordUpdate("a.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	c.events["a.txt"][0].Recorded = time.Now().Add(-2 * time.Hour)

	c.sweep()

	if _, _, err := c.Undo("a.txt"); err == nil {
		t.Error("an event older than MaxAge should have been swept")
	}
}

func TestSweepEnforcesPerFileCap(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileEventCache(Config{BackupDir: dir, MaxEventsPerFile: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RecordUpdate("a.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := c.RecordUpdate("a.txt", []byte("v2")); err != nil {
		t.Fatal(err)
	}

	c.sweep()

	if len(c.events["a.txt"]) != 1 {
		t.Fatalf("events after sweep = %d, want 1 (MaxEventsPerFile)", len(c.events["a.txt"]))
	}
	_, content, err := c.Undo("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "v2" {
		t.Errorf("the most recent event should be the one retained, got %q", content)
	}
}

func TestSweepRemovesBackupFilesOnDisk(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileEventCache(Config{BackupDir: dir, MaxAge: time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RecordUpdate("a.txt", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	backupPath := c.events["a.txt"][0].BackupPath
	c.events["a.txt"][0].Recorded = time.Now().Add(-2 * time.Hour)

	c.sweep()

	if _, err := os.Stat(backupPath); !os.IsNotExist(err) {
		t.Error("swept event's backup file should be removed from disk")
	}
}

func TestStartSweepNoopWhenDisabled(t *testing.T) {
	c, err := NewFileEventCache(Config{BackupDir: t.TempDir()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	stop := c.StartSweep()
	stop()
}

func TestNewFileEventCacheCreatesBackupDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "backups")
	if _, err := NewFileEventCache(Config{BackupDir: dir}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("backup dir should have been created: %v", err)
	}
}
