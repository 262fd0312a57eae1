package workq

import (
	"os"
	"sync"
	"testing"

	"golang.org/x/xerrors"
)

// wait blocks until *done turns true, under the job's signal lock.
func wait(signal *sync.Cond, done *bool) {
	signal.L.Lock()
	for !*done {
		signal.Wait()
	}
	signal.L.Unlock()
}

func TestRunCompletes(t *testing.T) {
	p := New(2)
	defer p.Destroy()

	var mu sync.Mutex
	signal := sync.NewCond(&mu)
	var (
		jobErr error
		done   bool
	)
	want := xerrors.New("boom")
	p.Run(&Job{
		Routine: func(src, dst *os.File) error { return want },
		Err:     &jobErr,
		Done:    &done,
		Signal:  signal,
	})
	wait(signal, &done)
	if jobErr != want {
		t.Errorf("job error = %v, want %v", jobErr, want)
	}
}

func TestFIFO(t *testing.T) {
	p := New(1) // single worker, so completion order is queue order
	defer p.Destroy()

	var mu sync.Mutex
	signal := sync.NewCond(&mu)
	var order []int
	errs := make([]error, 5)
	dones := make([]bool, 5)
	for i := 0; i < 5; i++ {
		i := i
		p.Run(&Job{
			Routine: func(src, dst *os.File) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
			Err:    &errs[i],
			Done:   &dones[i],
			Signal: signal,
		})
	}
	for i := range dones {
		wait(signal, &dones[i])
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("job order = %v, want 0..4", order)
		}
	}
}

func TestDestroyIdle(t *testing.T) {
	New(3).Destroy()
}

func TestDestroyNonEmptyPanics(t *testing.T) {
	p := New(0) // no workers, the job stays queued
	var mu sync.Mutex
	var (
		jobErr error
		done   bool
	)
	p.Run(&Job{
		Routine: func(src, dst *os.File) error { return nil },
		Err:     &jobErr,
		Done:    &done,
		Signal:  sync.NewCond(&mu),
	})
	defer func() {
		if recover() == nil {
			t.Error("Destroy with a queued job did not panic")
		}
	}()
	p.Destroy()
}
