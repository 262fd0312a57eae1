package cache

import (
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/lazfs/lazfs/internal/workq"
)

func TestInsertLookupRelease(t *testing.T) {
	tbl := New()
	tbl.Lock()
	defer tbl.Unlock()

	tbl.Insert("/a.las", "/tmp/scratch", nil, nil, true)
	if got := tbl.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}

	// The open itself holds the only reference.
	snap, err := tbl.Lookup("/a.las", false)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.LastRef {
		t.Error("LastRef = false for the sole holder")
	}
	if snap.ScratchPath != "/tmp/scratch" {
		t.Errorf("ScratchPath = %q", snap.ScratchPath)
	}

	// A borrow for I/O makes it no longer the last reference.
	snap, err = tbl.Lookup("/a.las", true)
	if err != nil {
		t.Fatal(err)
	}
	if snap.LastRef {
		t.Error("LastRef = true with two references")
	}

	tbl.Release("/a.las")
	if got := tbl.Len(); got != 1 {
		t.Fatalf("entry vanished with a reference outstanding")
	}
	tbl.Release("/a.las")
	if got := tbl.Len(); got != 0 {
		t.Fatalf("Len = %d after final release, want 0", got)
	}

	if _, err := tbl.Lookup("/a.las", false); !xerrors.Is(err, ErrNotFound) {
		t.Errorf("Lookup after final release = %v, want ErrNotFound", err)
	}
}

func TestReleaseAbsentSilent(t *testing.T) {
	tbl := New()
	tbl.Lock()
	defer tbl.Unlock()
	tbl.Release("/nope.las") // must not panic
	tbl.Remove("/nope.las")
}

func TestDuplicateInsertPanics(t *testing.T) {
	tbl := New()
	tbl.Lock()
	defer tbl.Unlock()
	tbl.Insert("/a.las", "s", nil, nil, true)
	defer func() {
		if recover() == nil {
			t.Error("duplicate insert did not panic")
		}
	}()
	tbl.Insert("/a.las", "s", nil, nil, true)
}

func TestDirtyIdempotent(t *testing.T) {
	tbl := New()
	tbl.Lock()
	defer tbl.Unlock()
	tbl.Insert("/a.las", "s", nil, nil, true)
	tbl.Dirty("/a.las")
	tbl.Dirty("/a.las")
	snap, err := tbl.Lookup("/a.las", false)
	if err != nil {
		t.Fatal(err)
	}
	if !snap.Dirty {
		t.Error("Dirty = false after marking")
	}
}

// A lookup of a not-ready entry blocks until the readiness broadcast and
// then observes everything the "worker" wrote.
func TestLookupWaitsForReady(t *testing.T) {
	tbl := New()
	tbl.Lock()
	tbl.Insert("/a.las", "s", nil, nil, false)
	tbl.Unlock()

	go func() {
		time.Sleep(10 * time.Millisecond)
		tbl.Lock()
		e := tbl.entries["/a.las"]
		e.ready = true
		e.cond.Broadcast()
		tbl.Unlock()
	}()

	tbl.Lock()
	defer tbl.Unlock()
	if _, err := tbl.Lookup("/a.las", true); err != nil {
		t.Fatalf("Lookup = %v", err)
	}
}

func TestDecompressSuccess(t *testing.T) {
	pool := workq.New(1)
	defer pool.Destroy()

	tbl := New()
	tbl.Lock()
	defer tbl.Unlock()
	tbl.Insert("/a.las", "s", nil, nil, false)
	err := tbl.Decompress("/a.las", pool, func(src, dst *os.File) error { return nil })
	if err != nil {
		t.Fatalf("Decompress = %v", err)
	}
	if _, err := tbl.Lookup("/a.las", false); err != nil {
		t.Fatalf("Lookup after Decompress = %v", err)
	}
}

func TestDecompressFailureKillsEntry(t *testing.T) {
	pool := workq.New(1)
	defer pool.Destroy()

	tbl := New()
	tbl.Lock()
	defer tbl.Unlock()
	tbl.Insert("/a.las", "s", nil, nil, false)
	boom := xerrors.New("boom")
	err := tbl.Decompress("/a.las", pool, func(src, dst *os.File) error { return boom })
	if !xerrors.Is(err, boom) {
		t.Fatalf("Decompress = %v, want boom", err)
	}
	if _, err := tbl.Lookup("/a.las", false); !xerrors.Is(err, ErrDead) {
		t.Errorf("Lookup of failed entry = %v, want ErrDead", err)
	}
}

func TestMarkDeadAndCompress(t *testing.T) {
	pool := workq.New(1)
	defer pool.Destroy()

	tbl := New()
	tbl.Lock()
	defer tbl.Unlock()
	tbl.Insert("/a.las", "s", nil, nil, true)
	tbl.Dirty("/a.las")

	var ran bool
	err := tbl.MarkDeadAndCompress("/a.las", pool, func(src, dst *os.File) error {
		ran = true
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("MarkDeadAndCompress = %v", err)
	}
	if !ran {
		t.Error("compression routine did not run")
	}
	if _, err := tbl.Lookup("/a.las", false); !xerrors.Is(err, ErrDead) {
		t.Errorf("Lookup of dead entry = %v, want ErrDead", err)
	}
}

// Ten concurrent borrows on a ready entry: the refcount accounts for
// each, and never dips below zero.
func TestConcurrentBorrows(t *testing.T) {
	tbl := New()
	tbl.Lock()
	tbl.Insert("/a.las", "s", nil, nil, true)
	tbl.Unlock()

	var eg errgroup.Group
	for i := 0; i < 10; i++ {
		eg.Go(func() error {
			tbl.Lock()
			_, err := tbl.Lookup("/a.las", true)
			tbl.Unlock()
			if err != nil {
				return err
			}
			tbl.Lock()
			tbl.Release("/a.las")
			tbl.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}

	tbl.Lock()
	defer tbl.Unlock()
	if got := tbl.entries["/a.las"].refs; got != 1 {
		t.Errorf("refs = %d after all borrows returned, want 1", got)
	}
}

// Concurrent waiters on a cold entry all proceed once the single
// decompression finishes; none triggers a second one.
func TestColdOpenHerd(t *testing.T) {
	pool := workq.New(2)
	defer pool.Destroy()

	tbl := New()
	tbl.Lock()
	tbl.Insert("/a.las", "s", nil, nil, false)
	tbl.Unlock()

	var mu sync.Mutex
	runs := 0

	done := make(chan error, 1)
	go func() {
		tbl.Lock()
		defer tbl.Unlock()
		done <- tbl.Decompress("/a.las", pool, func(src, dst *os.File) error {
			mu.Lock()
			runs++
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			return nil
		})
	}()

	var eg errgroup.Group
	for i := 0; i < 10; i++ {
		eg.Go(func() error {
			tbl.Lock()
			_, err := tbl.Lookup("/a.las", true)
			tbl.Unlock()
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Errorf("decompression ran %d times, want 1", runs)
	}
}
