package common

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexExcludesSameKey(t *testing.T) {
	t.Parallel()

	k := NewKeyedMutex()
	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := k.Lock("same")
			defer unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			order = append(order, "done")
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Len(t, order, 2)
}

func TestKeyedMutexDifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("b")
		defer unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on distinct key blocked unexpectedly")
	}
}
