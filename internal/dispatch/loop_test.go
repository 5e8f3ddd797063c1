package dispatch

import (
	"sync"
	"testing"
	"time"
)

func TestPostFIFO(t *testing.T) {
	l := New(8)
	defer l.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("FIFO violated: order=%v", order)
		}
	}
}

func TestPostAfterOrdering(t *testing.T) {
	l := New(8)
	defer l.Stop()

	done := make(chan struct{})
	var fired, posted, postedFirst bool
	l.Post(func() {
		// Registered before the timer fires; must run first.
		posted = true
	})
	l.PostAfter(10*time.Millisecond, func() {
		postedFirst = posted
		fired = true
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer task never ran")
	}
	if !fired {
		t.Fatal("timer task did not set fired")
	}
	if !postedFirst {
		t.Fatal("timer task ran before the task posted ahead of it")
	}
}

func TestTimerStop(t *testing.T) {
	l := New(8)
	defer l.Stop()

	ran := make(chan struct{}, 1)
	timer := l.PostAfter(50*time.Millisecond, func() {
		ran <- struct{}{}
	})
	if !timer.Stop() {
		t.Fatal("Stop should have succeeded before fire")
	}
	select {
	case <-ran:
		t.Fatal("stopped timer still fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(1)
	l.Stop()
	l.Stop()
}
