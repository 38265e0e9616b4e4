package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutexSerializesSameKey(t *testing.T) {
	var sm ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := sm.Lock("svc_a")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestShardedMutexIndependentKeys(t *testing.T) {
	var sm ShardedMutex

	unlockA := sm.Lock("svc_a")

	// A different key must not deadlock even while svc_a is held.
	// Shard collisions are possible in principle, but these two keys
	// hash to different shards.
	done := make(chan struct{})
	go func() {
		unlock := sm.Lock("svc_b")
		unlock()
		close(done)
	}()
	<-done

	unlockA()
}
