package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	m := NewShardedMutex()
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("coalition-1")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Fatalf("counter = %d, want 100", counter)
	}
}

func TestShardedMutex_LockContextCancelled(t *testing.T) {
	m := NewShardedMutex()
	unlock := m.Lock("busy")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.LockContext(ctx, "busy"); err == nil {
		t.Fatal("expected context error while key is held")
	}

	unlock()
	release, err := m.LockContext(context.Background(), "busy")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	release()
}
