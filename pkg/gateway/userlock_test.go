package gateway

import (
	"sync"
	"testing"
)

func TestUserLocks_SerialisesSameUser(t *testing.T) {
	l := newUserLocks()

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("alice")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("Expected at most 1 holder at a time, got %d", maxSeen)
	}
	if n := l.len(); n != 0 {
		t.Errorf("Expected lock table to be empty, got %d entries", n)
	}
}

func TestUserLocks_IndependentUsers(t *testing.T) {
	l := newUserLocks()

	unlockAlice := l.lock("alice")
	done := make(chan struct{})
	go func() {
		unlock := l.lock("bob")
		unlock()
		close(done)
	}()
	<-done
	unlockAlice()

	if n := l.len(); n != 0 {
		t.Errorf("Expected lock table to be empty, got %d entries", n)
	}
}
