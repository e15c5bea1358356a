// Package manager owns the table of WhatsApp client identities and keeps each
// one authenticated: retried initialization with backoff, health polling,
// stuck/error recovery, and QR-scanning fallback when recovery is futile.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/jholhewres/wappgate/pkg/wappgate/config"
	"github.com/jholhewres/wappgate/pkg/wappgate/retry"
	"github.com/jholhewres/wappgate/pkg/wappgate/session"
)

// InboundSink receives every inbound message from any managed client.
type InboundSink func(clientID string, msg session.Message)

// QRHook is called whenever a client receives a fresh pairing challenge.
type QRHook func(clientID, code string)

// ErrClientExists is returned by Create for an identity already managed.
var ErrClientExists = fmt.Errorf("client already exists")

// ErrClientNotFound is returned for operations on an unknown identity.
var ErrClientNotFound = fmt.Errorf("client not found")

// client is the live, mutex-guarded state for one identity. Only the manager
// mutates it; callers only ever see Record snapshots.
type client struct {
	mu        sync.Mutex
	id        string
	status    Status
	statusAt  time.Time // when the current status was entered
	isReady   bool
	phone     string
	qrCode    string
	lastSeen  time.Time
	agentCode string
	sess      session.Session
	resetting atomic.Bool // coalesces concurrent QR resets
}

func (c *client) snapshot() Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Record{
		ClientID:     c.id,
		Status:       c.status,
		IsReady:      c.isReady,
		PhoneNumber:  c.phone,
		QRCode:       c.qrCode,
		LastActivity: c.lastSeen,
		AgentCode:    c.agentCode,
	}
}

// apply runs one lifecycle event through the transition table under the
// client's lock. Returns the new status and whether the event was legal.
func (c *client) apply(ev lifeEvent) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, ok := transition(c.status, ev)
	if ok && next != c.status {
		c.status = next
		c.statusAt = time.Now()
	}
	c.lastSeen = time.Now()
	return next, ok
}

// Manager maintains one session per client identity and self-heals them.
type Manager struct {
	cfg     config.ManagerConfig
	store   session.Store
	factory session.Factory
	policy  retry.Policy
	logger  *slog.Logger

	inbound InboundSink
	qrHook  QRHook

	mu      sync.Mutex
	clients map[string]*client
	closed  bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithInbound routes every inbound message to sink.
func WithInbound(sink InboundSink) Option {
	return func(m *Manager) { m.inbound = sink }
}

// WithQRHook calls hook for every fresh pairing challenge.
func WithQRHook(hook QRHook) Option {
	return func(m *Manager) { m.qrHook = hook }
}

// WithRetryPolicy overrides the initialization retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// New builds a Manager over the given store and session factory.
func New(cfg config.ManagerConfig, store session.Store, factory session.Factory, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInitAttempts <= 0 {
		cfg.MaxInitAttempts = 4
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 60 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.StuckInitThreshold <= 0 {
		cfg.StuckInitThreshold = 3 * time.Minute
	}
	if cfg.ErrorGrace <= 0 {
		cfg.ErrorGrace = 45 * time.Second
	}

	m := &Manager{
		cfg:     cfg,
		store:   store,
		factory: factory,
		logger:  logger.With("component", "manager"),
		clients: make(map[string]*client),
		policy: retry.Policy{
			MaxAttempts:    cfg.MaxInitAttempts,
			BaseDelay:      2 * time.Second,
			MaxDelay:       30 * time.Second,
			Jitter:         time.Second,
			AttemptTimeout: cfg.InitTimeout,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new client identity and begins initialization in the
// background. The returned record is an immediate snapshot; readiness is
// observed through Get or the session events.
func (m *Manager) Create(ctx context.Context, clientID string) (Record, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("manager is closed")
	}
	if _, ok := m.clients[clientID]; ok {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrClientExists, clientID)
	}

	sess, err := m.factory(clientID)
	if err != nil {
		m.mu.Unlock()
		return Record{}, fmt.Errorf("creating session for %s: %w", clientID, err)
	}

	c := &client{
		id:       clientID,
		status:   StatusInitializing,
		statusAt: time.Now(),
		lastSeen: time.Now(),
		sess:     sess,
	}
	m.clients[clientID] = c
	m.mu.Unlock()

	m.logger.Info("client created", "client_id", clientID)
	go m.pumpEvents(c, sess)
	go func() {
		if err := m.Initialize(context.WithoutCancel(ctx), clientID); err != nil {
			m.logger.Warn("background initialization failed",
				"client_id", clientID, "error", err)
		}
	}()
	return c.snapshot(), nil
}

// Initialize starts the client's session with bounded retries. Each failed
// attempt destroys and recreates the session before retrying; a stale
// session is never reused. Exhausting all attempts forces a QR reset so the
// client cannot sit in initializing forever.
func (m *Manager) Initialize(ctx context.Context, clientID string) error {
	c, err := m.get(clientID)
	if err != nil {
		return err
	}
	c.apply(evInitialize)

	err = retry.Do(ctx, m.policy, func(attemptCtx context.Context, attempt int) error {
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()

		if attempt > 1 {
			// The previous session may be wedged; replace it wholesale.
			if derr := sess.Destroy(attemptCtx); derr != nil {
				m.logger.Warn("destroying stale session before retry",
					"client_id", clientID, "attempt", attempt, "error", derr)
			}
			fresh, ferr := m.factory(clientID)
			if ferr != nil {
				return fmt.Errorf("recreating session: %w", ferr)
			}
			c.mu.Lock()
			c.sess = fresh
			sess = fresh
			c.mu.Unlock()
			go m.pumpEvents(c, fresh)
		}

		m.logger.Info("initializing session",
			"client_id", clientID, "attempt", attempt, "max", m.policy.MaxAttempts)
		return sess.Initialize(attemptCtx)
	})
	if err != nil {
		m.logger.Error("initialization exhausted retries, forcing QR reset",
			"client_id", clientID, "error", err)
		if rerr := m.ResetToQR(ctx, clientID); rerr != nil {
			return fmt.Errorf("init failed and QR reset failed: %w", rerr)
		}
		return nil
	}
	return nil
}

// ResetToQR wipes the client back to a fresh pairing challenge: destroy the
// session, delete its persisted auth material, recreate the session, and
// re-initialize. Used when recovery is futile (remote logout, exhausted
// retries, stuck initialization). Concurrent resets for one identity
// coalesce into a single pass.
func (m *Manager) ResetToQR(ctx context.Context, clientID string) error {
	c, err := m.get(clientID)
	if err != nil {
		return err
	}
	if !c.resetting.CompareAndSwap(false, true) {
		m.logger.Debug("QR reset already in flight", "client_id", clientID)
		return nil
	}
	defer c.resetting.Store(false)

	m.logger.Info("resetting client to QR pairing", "client_id", clientID)

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if derr := sess.Destroy(ctx); derr != nil {
		m.logger.Warn("destroying session during QR reset",
			"client_id", clientID, "error", derr)
	}

	if derr := m.store.Delete(ctx, clientID); derr != nil {
		// The reset must proceed regardless; the orphaned credential row can
		// be removed later with the clients command or the orphan sweep.
		m.logger.Error("deleting persisted auth failed, continuing reset",
			"client_id", clientID, "error", derr)
	}

	fresh, ferr := m.factory(clientID)
	if ferr != nil {
		c.apply(evFault)
		return fmt.Errorf("recreating session for %s: %w", clientID, ferr)
	}

	c.mu.Lock()
	c.sess = fresh
	c.status = StatusInitializing
	c.statusAt = time.Now()
	c.isReady = false
	c.phone = ""
	c.qrCode = ""
	c.lastSeen = time.Now()
	c.mu.Unlock()

	go m.pumpEvents(c, fresh)

	if ierr := fresh.Initialize(ctx); ierr != nil {
		c.apply(evFault)
		return fmt.Errorf("initializing fresh session for %s: %w", clientID, ierr)
	}
	return nil
}

// Recover replaces the client's session in place and re-initializes, keeping
// the persisted auth material. Used for transient faults where wiping stored
// credentials would force a needless re-pairing.
func (m *Manager) Recover(ctx context.Context, clientID string) error {
	c, err := m.get(clientID)
	if err != nil {
		return err
	}

	m.logger.Info("recovering client in place", "client_id", clientID)

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if derr := sess.Destroy(ctx); derr != nil {
		m.logger.Warn("destroying session during recovery",
			"client_id", clientID, "error", derr)
	}

	fresh, ferr := m.factory(clientID)
	if ferr != nil {
		c.apply(evFault)
		return fmt.Errorf("recreating session for %s: %w", clientID, ferr)
	}
	c.mu.Lock()
	c.sess = fresh
	c.mu.Unlock()
	go m.pumpEvents(c, fresh)

	return m.Initialize(ctx, clientID)
}

// Disconnect tears the session down but keeps the record and the persisted
// auth material, so the client can be re-initialized later.
func (m *Manager) Disconnect(ctx context.Context, clientID string) error {
	c, err := m.get(clientID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if derr := sess.Destroy(ctx); derr != nil {
		m.logger.Warn("destroying session on disconnect",
			"client_id", clientID, "error", derr)
	}
	c.apply(evDisconnected)
	c.mu.Lock()
	c.isReady = false
	c.mu.Unlock()
	m.logger.Info("client disconnected", "client_id", clientID)
	return nil
}

// Remove tears the client down completely: session destroyed, persisted auth
// deleted, record dropped.
func (m *Manager) Remove(ctx context.Context, clientID string) error {
	c, err := m.get(clientID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if derr := sess.Destroy(ctx); derr != nil {
		m.logger.Warn("destroying session on removal",
			"client_id", clientID, "error", derr)
	}
	if derr := m.store.Delete(ctx, clientID); derr != nil {
		m.logger.Warn("deleting persisted auth on removal",
			"client_id", clientID, "error", derr)
	}

	m.mu.Lock()
	delete(m.clients, clientID)
	m.mu.Unlock()
	m.logger.Info("client removed", "client_id", clientID)
	return nil
}

// Get returns a snapshot of one client.
func (m *Manager) Get(clientID string) (Record, error) {
	c, err := m.get(clientID)
	if err != nil {
		return Record{}, err
	}
	return c.snapshot(), nil
}

// List returns snapshots of every managed client.
func (m *Manager) List() []Record {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	out := make([]Record, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.snapshot())
	}
	return out
}

// StatusCounts aggregates clients by status, for the health surface.
func (m *Manager) StatusCounts() map[Status]int {
	counts := make(map[Status]int)
	for _, rec := range m.List() {
		counts[rec.Status]++
	}
	return counts
}

// SetAgentCode assigns the external routing tag for a client.
func (m *Manager) SetAgentCode(clientID, code string) error {
	c, err := m.get(clientID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.agentCode = code
	c.mu.Unlock()
	return nil
}

// QRImage renders the client's current pairing challenge as a PNG. Returns
// an error when the client is not waiting for a scan.
func (m *Manager) QRImage(clientID string) ([]byte, error) {
	c, err := m.get(clientID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	code := c.qrCode
	status := c.status
	c.mu.Unlock()
	if status != StatusQRRequired || code == "" {
		return nil, fmt.Errorf("client %s has no pending QR challenge", clientID)
	}
	return qrcode.Encode(code, qrcode.Medium, 256)
}

// Session returns the live session handle for sending replies. Callers must
// not retain it across lifecycle transitions.
func (m *Manager) Session(clientID string) (session.Session, error) {
	c, err := m.get(clientID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.Operational() {
		return nil, session.ErrNotConnected
	}
	return c.sess, nil
}

// RestoreExisting enumerates persisted identities and brings each one up
// concurrently. One identity's failure never blocks or fails the others;
// the method returns once every restoration has either reached readiness,
// reported a terminal pairing requirement, or timed out.
func (m *Manager) RestoreExisting(ctx context.Context) {
	ids, err := m.store.List(ctx)
	if err != nil {
		m.logger.Error("listing persisted sessions", "error", err)
		return
	}
	if len(ids) == 0 {
		m.logger.Info("no persisted sessions to restore")
		return
	}
	m.logger.Info("restoring persisted sessions", "count", len(ids))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			if _, cerr := m.Create(ctx, clientID); cerr != nil {
				m.logger.Warn("restore failed",
					"client_id", clientID, "error", cerr)
				return
			}
			m.waitOperational(ctx, clientID, m.cfg.InitTimeout)
		}(id)
	}
	wg.Wait()
}

// waitOperational polls until the client carries traffic, needs a QR scan,
// or the bound expires. It resolves on timeout rather than erroring so a
// stuck identity cannot stall startup for the rest.
func (m *Manager) waitOperational(ctx context.Context, clientID string, bound time.Duration) {
	deadline := time.NewTimer(bound)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			m.logger.Warn("restore did not reach readiness in time",
				"client_id", clientID, "bound", bound)
			return
		case <-tick.C:
			rec, err := m.Get(clientID)
			if err != nil {
				return
			}
			switch {
			case rec.Status.Operational():
				m.logger.Info("session restored",
					"client_id", clientID, "phone", rec.PhoneNumber)
				return
			case rec.Status == StatusQRRequired:
				m.logger.Info("restored session needs re-pairing",
					"client_id", clientID)
				return
			}
		}
	}
}

// Close destroys every session and refuses further client creation.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		if err := sess.Destroy(ctx); err != nil {
			m.logger.Warn("destroying session on shutdown",
				"client_id", c.id, "error", err)
		}
	}
}

func (m *Manager) get(clientID string) (*client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return c, nil
}
