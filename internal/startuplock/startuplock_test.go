package startuplock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnterAfterShutdownFails(t *testing.T) {
	var l StartupLock
	g, err := l.Enter()
	require.NoError(t, err)
	g.Done()

	l.Shutdown()

	_, err = l.Enter()
	require.ErrorIs(t, err, ErrNotStartedUp)
}

func TestShutdownWaitsForOutstandingGuards(t *testing.T) {
	var l StartupLock
	g, err := l.Enter()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		l.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned before guard was released")
	case <-time.After(50 * time.Millisecond):
	}

	g.Done()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not return after guard release")
	}
}

func TestConcurrentEnters(t *testing.T) {
	var l StartupLock
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := l.Enter()
			if err == nil {
				g.Done()
			}
		}()
	}
	wg.Wait()
	l.Shutdown()
	_, err := l.Enter()
	require.ErrorIs(t, err, ErrNotStartedUp)
}
