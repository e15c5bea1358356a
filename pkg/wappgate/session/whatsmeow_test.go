package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *Whatsmeow {
	t.Helper()
	store := openTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := store.NewFactory(logger)
	sess, err := factory("race-client")
	require.NoError(t, err)
	return sess.(*Whatsmeow)
}

func TestDestroyConcurrentWithEmit(t *testing.T) {
	t.Run("emits racing a destroy never panic", func(t *testing.T) {
		w := newTestSession(t)

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 500; i++ {
				w.emit(EventDisconnected{Reason: "connection_lost"})
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			require.NoError(t, w.Destroy(context.Background()))
		}()
		close(start)
		wg.Wait()

		// Channel is closed exactly once; draining terminates.
		for range w.Events() {
		}
	})

	t.Run("destroy is idempotent and silences later emits", func(t *testing.T) {
		w := newTestSession(t)
		require.NoError(t, w.Destroy(context.Background()))
		require.NoError(t, w.Destroy(context.Background()))
		w.emit(EventQR{Code: "stale"})

		_, open := <-w.Events()
		require.False(t, open)
	})
}
