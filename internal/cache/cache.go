// Package cache coordinates the scratch files serving live synthetic
// paths. One entry exists per logical path; all entries are guarded by a
// single table mutex, and each entry carries a condition bound to that
// mutex for the readiness protocol around background (de)compression.
//
// Except for Lock and Unlock, every method requires the caller to hold
// the table lock. This lets the dispatcher compose sequences that must
// be atomic, e.g. lookup-then-mark-dirty.
package cache

import (
	"os"
	"sync"

	"golang.org/x/xerrors"

	"github.com/lazfs/lazfs/internal/workq"
)

var (
	// ErrNotFound means no entry exists for the name.
	ErrNotFound = xerrors.New("cache: entry not found")

	// ErrDead means the entry is being torn down (or its decompression
	// failed). The caller should report "try again"; a retried open
	// will find the entry gone.
	ErrDead = xerrors.New("cache: entry is dead")
)

// An entry coordinates one live synthetic path.
type entry struct {
	name        string
	scratchPath string
	backing     *os.File // descriptor on the compressed backing file
	scratch     *os.File // descriptor on the decompressed scratch file

	refs  int
	dirty bool // latched on first write, implies compress-back
	ready bool // false while a (de)compression job targets this entry
	dead  bool // tear-down in progress, blocks new handles
	err   error

	cond *sync.Cond // bound to the table mutex
}

// A Snapshot is the caller-visible view of an entry, filled under the
// table lock.
type Snapshot struct {
	ScratchPath string
	Backing     *os.File
	Scratch     *os.File
	Dirty       bool
	LastRef     bool // the looked-up handle is the only outstanding one
}

// A Table is the name-keyed entry collection.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// Insert adds an entry with one external reference. ready is false
// exactly when a decompression job will follow (see Decompress). The
// dispatcher never inserts while an entry for name exists; doing so is a
// bug.
func (t *Table) Insert(name, scratchPath string, backing, scratch *os.File, ready bool) {
	if _, ok := t.entries[name]; ok {
		panic("cache: duplicate insert for " + name)
	}
	t.entries[name] = &entry{
		name:        name,
		scratchPath: scratchPath,
		backing:     backing,
		scratch:     scratch,
		refs:        1,
		ready:       ready,
		cond:        sync.NewCond(&t.mu),
	}
}

// Decompress schedules a decompression job for a freshly inserted
// not-ready entry and blocks until the worker finishes. On failure the
// entry is marked dead so that concurrent waiters drain; the caller owns
// removing it and releasing its descriptors.
func (t *Table) Decompress(name string, pool *workq.Pool, routine workq.Routine) error {
	e := t.must(name)
	pool.Run(&workq.Job{
		Routine: routine,
		Src:     e.backing,
		Dst:     e.scratch,
		Err:     &e.err,
		Done:    &e.ready,
		Signal:  e.cond,
	})
	for !e.ready {
		e.cond.Wait()
	}
	if e.err != nil {
		e.dead = true
		e.cond.Broadcast()
		return e.err
	}
	return nil
}

// Lookup finds the entry for name, waiting while a background job holds
// it not-ready. Dead entries (including ones whose job failed) report
// ErrDead. With incRefs the external reference count is incremented;
// either way the snapshot reflects the state under the lock.
func (t *Table) Lookup(name string, incRefs bool) (Snapshot, error) {
	e, ok := t.entries[name]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	for !e.ready && !e.dead {
		e.cond.Wait()
	}
	if e.dead || e.err != nil {
		return Snapshot{}, ErrDead
	}
	if incRefs {
		e.refs++
	}
	return Snapshot{
		ScratchPath: e.scratchPath,
		Backing:     e.backing,
		Scratch:     e.scratch,
		Dirty:       e.dirty,
		LastRef:     e.refs == 1,
	}, nil
}

// Peek returns the entry state without waiting or touching refcounts.
func (t *Table) Peek(name string) (Snapshot, bool) {
	e, ok := t.entries[name]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		ScratchPath: e.scratchPath,
		Backing:     e.backing,
		Scratch:     e.scratch,
		Dirty:       e.dirty,
		LastRef:     e.refs == 1,
	}, true
}

// Dirty latches the dirty flag. Idempotent.
func (t *Table) Dirty(name string) {
	t.must(name).dirty = true
}

// MarkDeadAndCompress starts tearing the entry down: marks it dead (so
// lookups drain), schedules a compression job from the scratch file to
// dst and blocks until the worker finishes, returning the job's error.
// The wait releases the table lock (the entry's condition is bound to
// it) and re-acquires it before returning; meanwhile dead keeps new
// handles out, and the entry stays in the table under the running job.
func (t *Table) MarkDeadAndCompress(name string, pool *workq.Pool, routine workq.Routine, dst *os.File) error {
	e := t.must(name)
	e.dead = true
	e.ready = false
	var done bool
	pool.Run(&workq.Job{
		Routine: routine,
		Src:     e.scratch,
		Dst:     dst,
		Err:     &e.err,
		Done:    &done,
		Signal:  e.cond,
	})
	for !done {
		e.cond.Wait()
	}
	return e.err
}

// Release drops one external reference. At zero the entry is unlinked
// from the table; the descriptors are owned by the dispatcher's teardown
// sequence, which runs before the final Release. Releasing an absent
// name silently succeeds.
func (t *Table) Release(name string) {
	e, ok := t.entries[name]
	if !ok {
		return
	}
	e.refs--
	if e.refs < 0 {
		panic("cache: negative refcount for " + name)
	}
	if e.refs == 0 {
		delete(t.entries, name)
		e.dead = true
		e.cond.Broadcast()
	}
}

// Remove unlinks the entry regardless of its refcount, waking any
// waiters. Removing an absent name silently succeeds.
func (t *Table) Remove(name string) {
	e, ok := t.entries[name]
	if !ok {
		return
	}
	delete(t.entries, name)
	e.dead = true
	e.cond.Broadcast()
}

// Len reports the number of live entries.
func (t *Table) Len() int { return len(t.entries) }

// Names returns the names of all live entries.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	return names
}

func (t *Table) must(name string) *entry {
	e, ok := t.entries[name]
	if !ok {
		panic("cache: no entry for " + name)
	}
	return e
}
