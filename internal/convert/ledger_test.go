package convert

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLedger(t *testing.T, dir string, maxRetries int) *Ledger {
	t.Helper()
	return Load(filepath.Join(dir, "conversions.json"), maxRetries, 10*time.Second, zerolog.Nop())
}

func TestLifecycle(t *testing.T) {
	dir := t.TempDir()
	l := testLedger(t, dir, 3)

	if err := l.Add(Entry{InputPath: "/tmp/v.webm", ArchiveName: "A.zip"}); err != nil {
		t.Fatal(err)
	}
	e, ok := l.Get("/tmp/v.webm")
	if !ok || e.Status != StatusPending {
		t.Fatalf("entry after Add = %+v", e)
	}

	if err := l.MarkInProgress("/tmp/v.webm"); err != nil {
		t.Fatal(err)
	}
	if err := l.UpdateProgress("/tmp/v.webm", 40); err != nil {
		t.Fatal(err)
	}
	if err := l.MarkCompleted("/tmp/v.webm", "/tmp/v.mp4"); err != nil {
		t.Fatal(err)
	}
	e, _ = l.Get("/tmp/v.webm")
	if e.Status != StatusCompleted || e.OutputPath != "/tmp/v.mp4" || e.ProgressPct != 100 {
		t.Errorf("completed entry = %+v", e)
	}

	// Reload from disk.
	l2 := testLedger(t, dir, 3)
	e, ok = l2.Get("/tmp/v.webm")
	if !ok || e.Status != StatusCompleted {
		t.Errorf("persisted entry = %+v, ok=%v", e, ok)
	}
}

func TestMarkFailedRetriesThenFails(t *testing.T) {
	l := testLedger(t, t.TempDir(), 2)
	if err := l.Add(Entry{InputPath: "/tmp/bad.avi"}); err != nil {
		t.Fatal(err)
	}
	st, err := l.MarkFailed("/tmp/bad.avi", "boom")
	if err != nil {
		t.Fatal(err)
	}
	if st != StatusPending {
		t.Errorf("first failure status = %s, want pending", st)
	}
	st, err = l.MarkFailed("/tmp/bad.avi", "boom again")
	if err != nil {
		t.Fatal(err)
	}
	if st != StatusFailed {
		t.Errorf("second failure status = %s, want failed at cap", st)
	}
	e, _ := l.Get("/tmp/bad.avi")
	if e.RetryCount != 2 || e.LastError != "boom again" {
		t.Errorf("failed entry = %+v", e)
	}
}

func TestRecover(t *testing.T) {
	dir := t.TempDir()
	alive := filepath.Join(dir, "alive.webm")
	if err := os.WriteFile(alive, []byte("v"), 0o644); err != nil {
		t.Fatal(err)
	}
	gone := filepath.Join(dir, "gone.webm")

	l := testLedger(t, dir, 3)
	if err := l.Add(Entry{InputPath: alive}); err != nil {
		t.Fatal(err)
	}
	if err := l.Add(Entry{InputPath: gone}); err != nil {
		t.Fatal(err)
	}
	if err := l.MarkInProgress(alive); err != nil {
		t.Fatal(err)
	}
	if err := l.MarkInProgress(gone); err != nil {
		t.Fatal(err)
	}

	pending, err := l.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0] != alive {
		t.Errorf("pending after recover = %v, want only the surviving source", pending)
	}
	e, _ := l.Get(gone)
	if e.Status != StatusFailed {
		t.Errorf("missing-source entry status = %s, want failed", e.Status)
	}
	e, _ = l.Get(alive)
	if e.Status != StatusPending || e.ProgressPct != 0 {
		t.Errorf("recovered entry = %+v, want pending from scratch", e)
	}
}

func TestSweepCompleted(t *testing.T) {
	l := testLedger(t, t.TempDir(), 3)
	if err := l.Add(Entry{InputPath: "/tmp/old.webm"}); err != nil {
		t.Fatal(err)
	}
	if err := l.MarkCompleted("/tmp/old.webm", "/tmp/old.mp4"); err != nil {
		t.Fatal(err)
	}
	// Entry was just completed: a long TTL keeps it.
	if err := l.SweepCompleted(time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.Get("/tmp/old.webm"); !ok {
		t.Fatal("fresh completed entry swept too early")
	}
	// Zero TTL sweeps everything completed.
	if err := l.SweepCompleted(0); err != nil {
		t.Fatal(err)
	}
	if _, ok := l.Get("/tmp/old.webm"); ok {
		t.Error("completed entry survived zero-TTL sweep")
	}
}

func TestLoadCorruptStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conversions.json")
	if err := os.WriteFile(path, []byte("][["), 0o644); err != nil {
		t.Fatal(err)
	}
	l := Load(path, 3, time.Second, zerolog.Nop())
	if got := l.Counts(); len(got) != 0 {
		t.Errorf("corrupt ledger loaded entries: %v", got)
	}
}
