package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smalldata-ai/ferry-sub000/internal/cursor"
	"github.com/smalldata-ai/ferry-sub000/internal/ferryerr"
)

func TestStoreCommitAndGet(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	got, err := s.Get("pipe", "users")
	if err != nil {
		t.Fatalf("Get on empty store: %v", err)
	}
	if !got.Empty() {
		t.Fatalf("expected empty state, got %+v", got)
	}

	mtime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Commit("pipe", "users", CursorState{
		Checkpoint: cursor.Checkpoint{LastValue: json.Number("42"), BoundaryHashes: []string{"abc"}},
		FileMTime:  &mtime,
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Commit("pipe", "orders", CursorState{
		Checkpoint: cursor.Checkpoint{LastValue: "2024-01-01T00:00:00Z"},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// A fresh store reads what the first one wrote.
	s2 := NewStore(dir)
	users, err := s2.Get("pipe", "users")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if users.LastValue != json.Number("42") {
		t.Fatalf("last value = %#v", users.LastValue)
	}
	if len(users.BoundaryHashes) != 1 || users.BoundaryHashes[0] != "abc" {
		t.Fatalf("boundary hashes = %v", users.BoundaryHashes)
	}
	if users.FileMTime == nil || !users.FileMTime.Equal(mtime) {
		t.Fatalf("file mtime = %v", users.FileMTime)
	}
	if users.UpdatedAt.IsZero() {
		t.Fatal("updated_at not stamped")
	}
	orders, _ := s2.Get("pipe", "orders")
	if orders.LastValue != "2024-01-01T00:00:00Z" {
		t.Fatalf("orders last value = %#v", orders.LastValue)
	}

	// Identities are isolated.
	other, _ := s2.Get("other", "users")
	if !other.Empty() {
		t.Fatalf("identity leak: %+v", other)
	}
}

func TestStoreRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pipe.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(dir).Get("pipe", "users"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "f.json")
	if err := WriteFileAtomic(path, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "two" {
		t.Fatalf("content = %q err = %v", b, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected only the target file, got %d entries", len(entries))
	}
}

func TestLockConflicts(t *testing.T) {
	dir := t.TempDir()
	l1, err := AcquireLock(dir, "pipe")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	_, err = AcquireLock(dir, "pipe")
	if !ferryerr.Is(err, ferryerr.KindCursorConflict) {
		t.Fatalf("expected cursor conflict, got %v", err)
	}

	// A different identity is independent.
	l3, err := AcquireLock(dir, "other")
	if err != nil {
		t.Fatalf("other identity: %v", err)
	}
	_ = l3.Release()

	if err := l1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	l2, err := AcquireLock(dir, "pipe")
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	_ = l2.Release()
}
