package manager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/wappgate/pkg/wappgate/config"
	"github.com/jholhewres/wappgate/pkg/wappgate/retry"
	"github.com/jholhewres/wappgate/pkg/wappgate/session"
)

// fakeSession is a scripted session: Initialize runs a behavior func, events
// are pushed by the tests, Destroy closes the stream once.
type fakeSession struct {
	mu        sync.Mutex
	events    chan session.Event
	destroyed bool
	onInit    func(fs *fakeSession) error
	stateErr  error
}

func newFakeSession(onInit func(fs *fakeSession) error) *fakeSession {
	return &fakeSession{
		events: make(chan session.Event, 16),
		onInit: onInit,
	}
}

func (f *fakeSession) Initialize(ctx context.Context) error {
	if f.onInit != nil {
		return f.onInit(f)
	}
	return nil
}

func (f *fakeSession) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil
	}
	f.destroyed = true
	close(f.events)
	return nil
}

func (f *fakeSession) emit(ev session.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.destroyed {
		f.events <- ev
	}
}

func (f *fakeSession) SendText(ctx context.Context, to, text string) error { return nil }
func (f *fakeSession) SendMedia(ctx context.Context, to string, media *session.Media) error {
	return nil
}
func (f *fakeSession) Composing(ctx context.Context, chat string) error          { return nil }
func (f *fakeSession) MarkRead(ctx context.Context, chat string, ids []string) error { return nil }
func (f *fakeSession) State(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return "", f.stateErr
	}
	return "CONNECTED", nil
}
func (f *fakeSession) Events() <-chan session.Event { return f.events }

// fakeFactory hands out fakeSessions in creation order, one behavior per
// index; the last behavior repeats. byID, when set for a client, wins over
// the ordered behaviors.
type fakeFactory struct {
	mu        sync.Mutex
	behaviors []func(fs *fakeSession) error
	byID      map[string]func(fs *fakeSession) error
	created   []*fakeSession
}

func (ff *fakeFactory) factory(clientID string) (session.Session, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	var onInit func(fs *fakeSession) error
	if b, ok := ff.byID[clientID]; ok {
		onInit = b
	} else if len(ff.behaviors) > 0 {
		idx := len(ff.created)
		if idx >= len(ff.behaviors) {
			idx = len(ff.behaviors) - 1
		}
		onInit = ff.behaviors[idx]
	}
	fs := newFakeSession(onInit)
	ff.created = append(ff.created, fs)
	return fs, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.created)
}

func (ff *fakeFactory) last() *fakeSession {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.created) == 0 {
		return nil
	}
	return ff.created[len(ff.created)-1]
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu        sync.Mutex
	ids       map[string]bool
	deleteErr error
	deleted   []string
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{ids: make(map[string]bool)}
	for _, id := range ids {
		s.ids[id] = true
	}
	return s
}

func (s *fakeStore) Exists(ctx context.Context, clientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[clientID], nil
}

func (s *fakeStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	return out, nil
}

func (s *fakeStore) Delete(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, clientID)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.ids, clientID)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:    attempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Jitter:         time.Millisecond,
		AttemptTimeout: 200 * time.Millisecond,
	}
}

func testConfig() config.ManagerConfig {
	return config.ManagerConfig{
		MaxInitAttempts:    3,
		InitTimeout:        200 * time.Millisecond,
		HealthInterval:     50 * time.Millisecond,
		StuckInitThreshold: 100 * time.Millisecond,
		ErrorGrace:         50 * time.Millisecond,
	}
}

func waitStatus(t *testing.T, m *Manager, clientID string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := m.Get(clientID)
		return err == nil && rec.Status == want
	}, 2*time.Second, 10*time.Millisecond,
		"client %s never reached %s", clientID, want)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from  Status
		ev    lifeEvent
		to    Status
		legal bool
	}{
		{StatusInitializing, evQR, StatusQRRequired, true},
		{StatusInitializing, evReady, StatusReady, true},
		{StatusQRRequired, evAuth, StatusAuthenticated, true},
		{StatusAuthenticated, evReady, StatusReady, true},
		{StatusReady, evSaved, StatusSessionSaved, true},
		{StatusSessionSaved, evReady, StatusReady, true},
		{StatusReady, evFault, StatusError, true},
		{StatusError, evInitialize, StatusInitializing, true},
		{StatusDisconnected, evInitialize, StatusInitializing, true},
		// Illegal moves keep the current status.
		{StatusReady, evQR, StatusReady, false},
		{StatusSessionSaved, evInitialize, StatusSessionSaved, false},
		{StatusDisconnected, evSaved, StatusDisconnected, false},
	}
	for _, tc := range cases {
		got, ok := transition(tc.from, tc.ev)
		assert.Equal(t, tc.legal, ok, "%s + %s legality", tc.from, tc.ev)
		assert.Equal(t, tc.to, got, "%s + %s target", tc.from, tc.ev)
	}
}

func TestOperational(t *testing.T) {
	assert.True(t, StatusReady.Operational())
	assert.True(t, StatusSessionSaved.Operational())
	assert.False(t, StatusInitializing.Operational())
	assert.False(t, StatusQRRequired.Operational())
	assert.False(t, StatusError.Operational())
}

func TestCreateLifecycle(t *testing.T) {
	t.Run("fresh identity walks initializing to ready", func(t *testing.T) {
		ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{
			func(fs *fakeSession) error {
				fs.emit(session.EventQR{Code: "challenge-1"})
				return nil
			},
		}}
		m := New(testConfig(), newFakeStore(), ff.factory, quietLogger(),
			WithRetryPolicy(fastPolicy(3)))

		rec, err := m.Create(context.Background(), "acct-1")
		require.NoError(t, err)
		assert.Equal(t, StatusInitializing, rec.Status)

		waitStatus(t, m, "acct-1", StatusQRRequired)
		rec, _ = m.Get("acct-1")
		assert.Equal(t, "challenge-1", rec.QRCode)

		// Simulated scan.
		fs := ff.last()
		fs.emit(session.EventAuthenticated{})
		waitStatus(t, m, "acct-1", StatusAuthenticated)
		fs.emit(session.EventReady{PhoneNumber: "6281234567890"})
		waitStatus(t, m, "acct-1", StatusReady)

		rec, _ = m.Get("acct-1")
		assert.True(t, rec.IsReady)
		assert.Equal(t, "6281234567890", rec.PhoneNumber)
		assert.Empty(t, rec.QRCode, "challenge cleared once authenticated")

		fs.emit(session.EventSaved{})
		waitStatus(t, m, "acct-1", StatusSessionSaved)
		assert.True(t, StatusSessionSaved.Operational())
	})

	t.Run("duplicate identity is rejected", func(t *testing.T) {
		ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{nil}}
		m := New(testConfig(), newFakeStore(), ff.factory, quietLogger(),
			WithRetryPolicy(fastPolicy(1)))

		_, err := m.Create(context.Background(), "acct-1")
		require.NoError(t, err)
		_, err = m.Create(context.Background(), "acct-1")
		assert.ErrorIs(t, err, ErrClientExists)
	})
}

func TestRetryExhaustion(t *testing.T) {
	// Every session fails to initialize until the QR reset installs one that
	// emits a fresh challenge.
	var calls int
	var mu sync.Mutex
	failing := func(fs *fakeSession) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= 3 {
			return fmt.Errorf("startup failed (attempt %d)", n)
		}
		fs.emit(session.EventQR{Code: "post-reset-challenge"})
		return nil
	}
	ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{failing}}
	st := newFakeStore("acct-1")
	m := New(testConfig(), st, ff.factory, quietLogger(),
		WithRetryPolicy(fastPolicy(3)))

	_, err := m.Create(context.Background(), "acct-1")
	require.NoError(t, err)

	// Exhausting the three attempts must land in qr_required via the forced
	// reset, never stuck in initializing.
	waitStatus(t, m, "acct-1", StatusQRRequired)

	st.mu.Lock()
	deleted := len(st.deleted)
	st.mu.Unlock()
	assert.GreaterOrEqual(t, deleted, 1, "reset must wipe persisted auth")
}

func TestResetIdempotence(t *testing.T) {
	ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{
		func(fs *fakeSession) error {
			fs.emit(session.EventQR{Code: "challenge"})
			return nil
		},
	}}
	m := New(testConfig(), newFakeStore("acct-1"), ff.factory, quietLogger(),
		WithRetryPolicy(fastPolicy(1)))

	_, err := m.Create(context.Background(), "acct-1")
	require.NoError(t, err)
	waitStatus(t, m, "acct-1", StatusQRRequired)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.ResetToQR(context.Background(), "acct-1"))
		}()
	}
	wg.Wait()

	waitStatus(t, m, "acct-1", StatusQRRequired)
	assert.Len(t, m.List(), 1, "exactly one record survives concurrent resets")
}

func TestResetProceedsPastStoreDeleteFailure(t *testing.T) {
	ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{
		func(fs *fakeSession) error {
			fs.emit(session.EventQR{Code: "challenge"})
			return nil
		},
	}}
	st := newFakeStore("acct-1")
	st.deleteErr = fmt.Errorf("store is read-only")
	m := New(testConfig(), st, ff.factory, quietLogger(),
		WithRetryPolicy(fastPolicy(1)))

	_, err := m.Create(context.Background(), "acct-1")
	require.NoError(t, err)
	waitStatus(t, m, "acct-1", StatusQRRequired)

	require.NoError(t, m.ResetToQR(context.Background(), "acct-1"),
		"a failing store delete must not abort the reset")
	waitStatus(t, m, "acct-1", StatusQRRequired)
}

func TestRemove(t *testing.T) {
	ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{nil}}
	st := newFakeStore("acct-1")
	m := New(testConfig(), st, ff.factory, quietLogger(),
		WithRetryPolicy(fastPolicy(1)))

	_, err := m.Create(context.Background(), "acct-1")
	require.NoError(t, err)
	require.NoError(t, m.Remove(context.Background(), "acct-1"))

	_, err = m.Get("acct-1")
	assert.ErrorIs(t, err, ErrClientNotFound)
	exists, _ := st.Exists(context.Background(), "acct-1")
	assert.False(t, exists, "persisted auth wiped on removal")
}

func TestRestoreExisting(t *testing.T) {
	ready := func(fs *fakeSession) error {
		fs.emit(session.EventAuthenticated{})
		fs.emit(session.EventReady{PhoneNumber: "628111"})
		return nil
	}

	t.Run("zero identities is a no-op", func(t *testing.T) {
		ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{ready}}
		m := New(testConfig(), newFakeStore(), ff.factory, quietLogger(),
			WithRetryPolicy(fastPolicy(1)))
		m.RestoreExisting(context.Background())
		assert.Empty(t, m.List())
	})

	t.Run("many identities restore independently", func(t *testing.T) {
		ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{ready}}
		m := New(testConfig(), newFakeStore("acct-1", "acct-2", "acct-3"),
			ff.factory, quietLogger(), WithRetryPolicy(fastPolicy(1)))

		m.RestoreExisting(context.Background())

		assert.Len(t, m.List(), 3)
		for _, id := range []string{"acct-1", "acct-2", "acct-3"} {
			waitStatus(t, m, id, StatusReady)
		}
	})

	t.Run("one failing identity does not block the others", func(t *testing.T) {
		ff := &fakeFactory{byID: map[string]func(fs *fakeSession) error{
			"acct-bad":  func(fs *fakeSession) error { return fmt.Errorf("broken profile") },
			"acct-good": ready,
		}}
		m := New(testConfig(), newFakeStore("acct-bad", "acct-good"),
			ff.factory, quietLogger(), WithRetryPolicy(fastPolicy(1)))

		m.RestoreExisting(context.Background())
		assert.Len(t, m.List(), 2, "failure of one identity never drops the other")
		waitStatus(t, m, "acct-good", StatusReady)
	})
}

func TestHealthCheck(t *testing.T) {
	t.Run("stuck initialization forces QR reset", func(t *testing.T) {
		// First session hangs in initializing (no events, init blocks until
		// the attempt timeout); the post-reset session emits a challenge.
		ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{
			func(fs *fakeSession) error {
				time.Sleep(300 * time.Millisecond)
				return fmt.Errorf("still starting")
			},
			func(fs *fakeSession) error {
				fs.emit(session.EventQR{Code: "recovery-challenge"})
				return nil
			},
		}}
		cfg := testConfig()
		cfg.StuckInitThreshold = 50 * time.Millisecond
		m := New(cfg, newFakeStore("acct-1"), ff.factory, quietLogger(),
			WithRetryPolicy(fastPolicy(1)))

		_, err := m.Create(context.Background(), "acct-1")
		require.NoError(t, err)

		time.Sleep(80 * time.Millisecond)
		m.CheckHealth(context.Background())
		waitStatus(t, m, "acct-1", StatusQRRequired)
	})

	t.Run("remote logout probe fast-paths to QR reset", func(t *testing.T) {
		ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{
			ready,
			func(fs *fakeSession) error {
				fs.emit(session.EventQR{Code: "after-logout"})
				return nil
			},
		}}
		m := New(testConfig(), newFakeStore("acct-1"), ff.factory, quietLogger(),
			WithRetryPolicy(fastPolicy(1)))

		_, err := m.Create(context.Background(), "acct-1")
		require.NoError(t, err)
		waitStatus(t, m, "acct-1", StatusReady)

		fs := ff.created[0]
		fs.mu.Lock()
		fs.stateErr = fmt.Errorf("client device removed from account")
		fs.mu.Unlock()

		m.CheckHealth(context.Background())
		waitStatus(t, m, "acct-1", StatusQRRequired)
	})

	t.Run("generic probe failure marks error then recovers", func(t *testing.T) {
		ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{
			ready, // initial session
			ready, // recovery session
		}}
		cfg := testConfig()
		cfg.ErrorGrace = 30 * time.Millisecond
		m := New(cfg, newFakeStore("acct-1"), ff.factory, quietLogger(),
			WithRetryPolicy(fastPolicy(1)))

		_, err := m.Create(context.Background(), "acct-1")
		require.NoError(t, err)
		waitStatus(t, m, "acct-1", StatusReady)

		fs := ff.created[0]
		fs.mu.Lock()
		fs.stateErr = fmt.Errorf("temporary socket glitch")
		fs.mu.Unlock()

		m.CheckHealth(context.Background())
		waitStatus(t, m, "acct-1", StatusError)

		time.Sleep(50 * time.Millisecond)
		m.CheckHealth(context.Background())
		waitStatus(t, m, "acct-1", StatusReady)
		assert.GreaterOrEqual(t, ff.count(), 2, "recovery replaces the session")
	})
}

func ready(fs *fakeSession) error {
	fs.emit(session.EventAuthenticated{})
	fs.emit(session.EventReady{PhoneNumber: "628000"})
	return nil
}

func TestRemoteLogoutClassification(t *testing.T) {
	assert.True(t, isRemoteLogout(fmt.Errorf("websocket closed: logged out")))
	assert.True(t, isRemoteLogout(fmt.Errorf("device removed by primary")))
	assert.True(t, isRemoteLogout(fmt.Errorf("server returned 401")))
	assert.False(t, isRemoteLogout(fmt.Errorf("connection timed out")))
	assert.False(t, isRemoteLogout(nil))
}

func TestInboundRouting(t *testing.T) {
	var mu sync.Mutex
	var got []string

	ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{ready}}
	m := New(testConfig(), newFakeStore(), ff.factory, quietLogger(),
		WithRetryPolicy(fastPolicy(1)),
		WithInbound(func(clientID string, msg session.Message) {
			mu.Lock()
			got = append(got, clientID+":"+msg.Body)
			mu.Unlock()
		}))

	_, err := m.Create(context.Background(), "acct-1")
	require.NoError(t, err)
	waitStatus(t, m, "acct-1", StatusReady)

	ff.last().emit(session.EventMessage{Message: session.Message{
		ID: "m1", From: "628@s.whatsapp.net", Body: "hello", Timestamp: time.Now(),
	}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "acct-1:hello", got[0])
	mu.Unlock()
}

func TestStatusCounts(t *testing.T) {
	ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{
		func(fs *fakeSession) error {
			fs.emit(session.EventQR{Code: "c"})
			return nil
		},
	}}
	m := New(testConfig(), newFakeStore(), ff.factory, quietLogger(),
		WithRetryPolicy(fastPolicy(1)))

	for _, id := range []string{"a", "b"} {
		_, err := m.Create(context.Background(), id)
		require.NoError(t, err)
		waitStatus(t, m, id, StatusQRRequired)
	}
	counts := m.StatusCounts()
	assert.Equal(t, 2, counts[StatusQRRequired])
}

func TestQRImage(t *testing.T) {
	ff := &fakeFactory{behaviors: []func(fs *fakeSession) error{
		func(fs *fakeSession) error {
			fs.emit(session.EventQR{Code: "2@abcdef,ghijkl,1"})
			return nil
		},
	}}
	m := New(testConfig(), newFakeStore(), ff.factory, quietLogger(),
		WithRetryPolicy(fastPolicy(1)))

	_, err := m.Create(context.Background(), "acct-1")
	require.NoError(t, err)
	waitStatus(t, m, "acct-1", StatusQRRequired)

	png, err := m.QRImage("acct-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	// Once ready, no challenge is exposed.
	fs := ff.last()
	fs.emit(session.EventAuthenticated{})
	fs.emit(session.EventReady{PhoneNumber: "628"})
	waitStatus(t, m, "acct-1", StatusReady)
	_, err = m.QRImage("acct-1")
	assert.Error(t, err)
}
