package sqlite

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
}

func TestBreakerLifecycle(t *testing.T) {
	t.Run("starts closed", func(t *testing.T) {
		cb := NewCircuitBreaker(5, 30*time.Second)
		if got := cb.State(); got != StateClosed {
			t.Fatalf("state = %s, want closed", got)
		}
	})

	t.Run("opens at threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(5, 30*time.Second)
		trip(cb, 4)
		if got := cb.State(); got != StateClosed {
			t.Fatalf("state after 4 failures = %s, want closed", got)
		}
		trip(cb, 1)
		if got := cb.State(); got != StateOpen {
			t.Fatalf("state after 5 failures = %s, want open", got)
		}
	})

	t.Run("open rejects without calling", func(t *testing.T) {
		cb := NewCircuitBreaker(5, 30*time.Second)
		trip(cb, 5)

		called := false
		err := cb.Execute(func() error {
			called = true
			return nil
		})
		if !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("err = %v, want ErrCircuitOpen", err)
		}
		if called {
			t.Fatal("fn ran while the breaker was open")
		}
	})

	t.Run("success clears the failure streak", func(t *testing.T) {
		cb := NewCircuitBreaker(5, 30*time.Second)
		trip(cb, 3)
		_ = cb.Execute(func() error { return nil })
		trip(cb, 3)
		if got := cb.State(); got != StateClosed {
			t.Fatalf("state = %s, want closed; only consecutive failures count", got)
		}
	})
}

func TestBreakerProbe(t *testing.T) {
	newTripped := func() (*CircuitBreaker, *time.Time) {
		cb := NewCircuitBreaker(5, 100*time.Millisecond)
		now := time.Now()
		cb.nowFunc = func() time.Time { return now }
		trip(cb, 5)
		return cb, &now
	}

	t.Run("successful probe closes", func(t *testing.T) {
		cb, now := newTripped()
		*now = now.Add(200 * time.Millisecond)
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe: %v", err)
		}
		if got := cb.State(); got != StateClosed {
			t.Fatalf("state = %s, want closed", got)
		}
	})

	t.Run("failed probe reopens", func(t *testing.T) {
		cb, now := newTripped()
		*now = now.Add(200 * time.Millisecond)
		_ = cb.Execute(func() error { return errBoom })
		if got := cb.State(); got != StateOpen {
			t.Fatalf("state = %s, want open", got)
		}
	})

	t.Run("before timeout stays rejected", func(t *testing.T) {
		cb, now := newTripped()
		*now = now.Add(50 * time.Millisecond)
		if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("err = %v, want ErrCircuitOpen", err)
		}
	})
}

func TestBreakerConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(1000, 30*time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(func() error { return nil })
			_ = cb.State()
		}()
	}
	wg.Wait()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}
