package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestSubmitRunsTask(t *testing.T) {
	t.Parallel()

	p := New(2)
	defer p.Close()

	var ran atomic.Bool
	fut := p.Submit(0, func() { ran.Store(true) })
	<-fut
	if !ran.Load() {
		t.Fatal("task did not run before future completed")
	}
}

func TestSameWorkerIsFIFO(t *testing.T) {
	t.Parallel()

	p := New(3)
	defer p.Close()

	const n = 200
	var mu sync.Mutex
	order := make([]int, 0, n)
	futs := make([]Future, 0, n)
	for i := 0; i < n; i++ {
		i := i
		futs = append(futs, p.Submit(1, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	Wait(futs)
	if len(order) != n {
		t.Fatalf("ran %d tasks, want %d", len(order), n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestBarrierCoversEveryWorker(t *testing.T) {
	t.Parallel()

	p := New(4)
	defer p.Close()

	var mu sync.Mutex
	seen := make(map[int]int)
	p.Barrier(func(worker int) {
		mu.Lock()
		seen[worker]++
		mu.Unlock()
	})
	if len(seen) != p.Size() {
		t.Fatalf("barrier reached %d workers, want %d", len(seen), p.Size())
	}
	for w, count := range seen {
		if count != 1 {
			t.Errorf("worker %d ran %d times", w, count)
		}
	}
}

func TestWaitToleratesNilFutures(t *testing.T) {
	t.Parallel()

	p := New(1)
	defer p.Close()

	futs := []Future{nil, p.Submit(0, func() {}), nil}
	Wait(futs) // must not block or panic
}

func TestCloseDrainsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	p := New(2)
	var count atomic.Int64
	for i := 0; i < 50; i++ {
		p.Submit(i%2, func() { count.Add(1) })
	}
	p.Close()
	p.Close()
	if got := count.Load(); got != 50 {
		t.Fatalf("ran %d tasks before close, want 50", got)
	}
}

func TestNewRejectsZeroWorkers(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("New(0) did not panic")
		}
	}()
	New(0)
}
