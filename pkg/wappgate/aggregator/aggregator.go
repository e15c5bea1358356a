// Package aggregator converts a noisy burst of inbound messages from one
// sender into exactly one downstream dispatch. Messages are queued per
// sender; a settle timer is re-armed on every arrival (debounce), so the turn
// only dispatches once the sender has been quiet for the full delay. Message
// IDs of finalized turns are remembered briefly to suppress duplicate
// deliveries from the transport.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/wappgate/pkg/wappgate/session"
)

// Turn is one settled, aggregated block of sender input.
type Turn struct {
	// ID uniquely identifies the turn in logs.
	ID string

	// ClientID is the gateway client the messages arrived on.
	ClientID string

	// SenderKey is the normalized sender identity (phone number, no suffix).
	SenderKey string

	// ChatID is the chat to reply into.
	ChatID string

	// Text is the concatenated message bodies, one per line, with quoted
	// messages framed as context.
	Text string

	// MessageIDs are the transport IDs drained into this turn.
	MessageIDs []string
}

// Dispatch handles one settled turn. Called from the settle timer's
// goroutine; errors are the handler's to report, the aggregator only logs.
type Dispatch func(ctx context.Context, turn Turn) error

// Presence simulates the human "saw your message" signals (read receipt,
// typing indicator) partway through the settle window.
type Presence func(ctx context.Context, clientID, chatID string, messageIDs []string)

// Config holds the aggregation knobs.
type Config struct {
	// SettleDelay is how long a sender must stay quiet before dispatch.
	SettleDelay time.Duration

	// DedupeWindow suppresses redelivered message IDs for this long after
	// their turn finalized.
	DedupeWindow time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SettleDelay:  10 * time.Second,
		DedupeWindow: 5 * time.Second,
	}
}

// queued is one message waiting in a pending turn.
type queued struct {
	msg        session.Message
	enqueuedAt time.Time
}

// pendingTurn is the transient per-sender state. At most one exists per
// sender key, and at most one settle timer is live per pending turn.
type pendingTurn struct {
	clientID  string
	senderKey string
	chatID    string
	queue     []queued
	startedAt time.Time

	settleTimer *time.Timer
	typingTimer *time.Timer

	// gen is bumped on every re-arm. A settle fired for an older generation
	// lost the race to a new arrival and must not drain the turn.
	gen uint64
}

// Aggregator owns the per-sender pending turns and the dedupe marks.
type Aggregator struct {
	cfg      Config
	dispatch Dispatch
	presence Presence
	logger   *slog.Logger

	ctx context.Context

	mu      sync.Mutex
	pending map[string]*pendingTurn
	dedupe  map[string]time.Time
	closed  bool
}

// New creates an Aggregator. ctx bounds every dispatch and presence call;
// cancel it (or call Close) on shutdown.
func New(ctx context.Context, cfg Config, dispatch Dispatch, presence Presence, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 10 * time.Second
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 5 * time.Second
	}
	return &Aggregator{
		cfg:      cfg,
		dispatch: dispatch,
		presence: presence,
		logger:   logger.With("component", "aggregator"),
		ctx:      ctx,
		pending:  make(map[string]*pendingTurn),
		dedupe:   make(map[string]time.Time),
	}
}

// OnInboundMessage is the single entry point, fire-and-forget. Safe for
// concurrent use across clients and senders.
func (a *Aggregator) OnInboundMessage(clientID string, msg session.Message) {
	senderKey := NormalizeSender(msg.From)
	if senderKey == "" {
		return
	}
	key := clientID + "|" + senderKey

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	// Duplicate delivery guard: a message ID finalized within the dedupe
	// window never starts or joins another turn.
	if finalized, ok := a.dedupe[msg.ID]; ok && time.Since(finalized) < a.cfg.DedupeWindow {
		a.logger.Debug("duplicate message suppressed",
			"client_id", clientID, "sender", senderKey, "message_id", msg.ID)
		return
	}

	pt, live := a.pending[key]
	if !live {
		pt = &pendingTurn{
			clientID:  clientID,
			senderKey: senderKey,
			chatID:    msg.ChatID,
			startedAt: time.Now(),
		}
		a.pending[key] = pt
	} else {
		// Joining an in-flight turn: cancel and re-arm, never stack timers.
		pt.settleTimer.Stop()
		if pt.typingTimer != nil {
			pt.typingTimer.Stop()
		}
	}

	pt.queue = append(pt.queue, queued{msg: msg, enqueuedAt: time.Now()})
	pt.gen++
	gen := pt.gen
	pt.settleTimer = time.AfterFunc(a.cfg.SettleDelay, func() { a.settle(key, gen) })
	pt.typingTimer = a.armPresence(pt)
}

// armPresence schedules the read/typing simulation at a random point between
// 30% and 80% of the settle window.
func (a *Aggregator) armPresence(pt *pendingTurn) *time.Timer {
	if a.presence == nil {
		return nil
	}
	window := a.cfg.SettleDelay
	at := time.Duration(float64(window) * (0.3 + rand.Float64()*0.5))

	clientID, chatID := pt.clientID, pt.chatID
	ids := make([]string, len(pt.queue))
	for i, q := range pt.queue {
		ids[i] = q.msg.ID
	}
	return time.AfterFunc(at, func() {
		a.presence(a.ctx, clientID, chatID, ids)
	})
}

// settle drains one pending turn and dispatches it. Transient state is
// destroyed whether dispatch succeeds or fails.
func (a *Aggregator) settle(key string, gen uint64) {
	a.mu.Lock()
	pt, ok := a.pending[key]
	if !ok || pt.gen != gen {
		// A later arrival re-armed the timer before this one got the lock;
		// the newer timer owns the turn.
		a.mu.Unlock()
		return
	}
	delete(a.pending, key)
	if pt.typingTimer != nil {
		pt.typingTimer.Stop()
	}
	drained := pt.queue
	a.mu.Unlock()

	ids := make([]string, len(drained))
	for i, q := range drained {
		ids[i] = q.msg.ID
	}

	text := concatenate(drained)
	if text != "" {
		turn := Turn{
			ID:         uuid.NewString(),
			ClientID:   pt.clientID,
			SenderKey:  pt.senderKey,
			ChatID:     pt.chatID,
			Text:       text,
			MessageIDs: ids,
		}
		a.logger.Info("turn settled",
			"turn_id", turn.ID,
			"client_id", turn.ClientID,
			"sender", turn.SenderKey,
			"messages", len(drained),
			"waited", time.Since(pt.startedAt).Round(time.Millisecond))

		if err := a.dispatch(a.ctx, turn); err != nil {
			a.logger.Warn("turn dispatch failed",
				"turn_id", turn.ID, "sender", turn.SenderKey, "error", err)
		}
	} else {
		a.logger.Debug("turn aggregated to empty content, skipping dispatch",
			"client_id", pt.clientID, "sender", pt.senderKey)
	}

	// Finalize after dispatch so replays inside the window are suppressed.
	now := time.Now()
	a.mu.Lock()
	for _, id := range ids {
		a.dedupe[id] = now
	}
	a.mu.Unlock()
}

// concatenate renders the drained queue, one message per line, with replies
// prefixed by their quoted context.
func concatenate(drained []queued) string {
	var lines []string
	for _, q := range drained {
		body := strings.TrimSpace(q.msg.Body)
		if body == "" {
			continue
		}
		if q.msg.HasQuoted && strings.TrimSpace(q.msg.QuotedBody) != "" {
			lines = append(lines, fmt.Sprintf("Replying to this message: %q\n%s",
				strings.TrimSpace(q.msg.QuotedBody), body))
			continue
		}
		lines = append(lines, body)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// SweepDedupe drops expired dedupe marks. Run periodically by the gateway's
// maintenance scheduler; returns how many marks were removed.
func (a *Aggregator) SweepDedupe() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for id, finalized := range a.dedupe {
		if time.Since(finalized) >= a.cfg.DedupeWindow {
			delete(a.dedupe, id)
			removed++
		}
	}
	return removed
}

// PendingSenders reports how many senders currently have an open turn.
func (a *Aggregator) PendingSenders() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close cancels every pending timer and drops queued state.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	for key, pt := range a.pending {
		pt.settleTimer.Stop()
		if pt.typingTimer != nil {
			pt.typingTimer.Stop()
		}
		delete(a.pending, key)
	}
}

// NormalizeSender strips the transport suffix from a raw sender address:
// "6281234567890@s.whatsapp.net" becomes "6281234567890".
func NormalizeSender(from string) string {
	from = strings.TrimSpace(from)
	if i := strings.IndexByte(from, '@'); i >= 0 {
		from = from[:i]
	}
	// Device part of a full JID ("6281234567890.0:1") is not identity.
	if i := strings.IndexAny(from, ".:"); i >= 0 {
		from = from[:i]
	}
	return from
}
