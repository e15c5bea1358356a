// Package gateway assembles the pipeline: session events flow from the
// lifecycle manager into the per-sender aggregator, settled turns go to the
// completion endpoint, and replies come back through the rich-message
// compiler onto the sender's chat.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/wappgate/pkg/wappgate/aggregator"
	"github.com/jholhewres/wappgate/pkg/wappgate/ai"
	"github.com/jholhewres/wappgate/pkg/wappgate/compiler"
	"github.com/jholhewres/wappgate/pkg/wappgate/config"
	"github.com/jholhewres/wappgate/pkg/wappgate/manager"
	"github.com/jholhewres/wappgate/pkg/wappgate/session"
)

// orphanSweeper is implemented by stores that can garbage-collect device
// rows with no routing entry. The in-memory test store doesn't.
type orphanSweeper interface {
	SweepOrphans(ctx context.Context) (int, error)
}

// Completer is the AI boundary; *ai.Client satisfies it, tests fake it.
type Completer interface {
	Complete(ctx context.Context, req ai.Request) (string, error)
}

// Gateway owns the assembled pipeline and the maintenance scheduler.
type Gateway struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   session.Store
	manager *manager.Manager
	agg     *aggregator.Aggregator
	ai      Completer
	deliver *compiler.Deliverer
	cron    *cron.Cron
	started time.Time
}

// Option customizes gateway assembly.
type Option func(*options)

type options struct {
	qrHook    manager.QRHook
	completer Completer
}

// WithQRHook forwards fresh pairing challenges, e.g. to a terminal renderer.
func WithQRHook(hook manager.QRHook) Option {
	return func(o *options) { o.qrHook = hook }
}

// WithCompleter swaps the AI client, used by tests.
func WithCompleter(c Completer) Option {
	return func(o *options) { o.completer = c }
}

// New wires the full pipeline over an open store and session factory.
func New(ctx context.Context, cfg *config.Config, store session.Store, factory session.Factory, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	gw := &Gateway{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		store:  store,
	}

	if o.completer != nil {
		gw.ai = o.completer
	} else {
		gw.ai = ai.New(ai.Options{
			BaseURL: cfg.AI.BaseURL,
			APIKey:  cfg.AI.APIKey,
			Model:   cfg.AI.Model,
			Timeout: cfg.AI.Timeout,
		}, logger)
	}

	gw.deliver = compiler.NewDeliverer(compiler.Options{
		MinPartDelay:      cfg.Delivery.MinPartDelay,
		MaxPartDelay:      cfg.Delivery.MaxPartDelay,
		MediaFetchTimeout: cfg.Delivery.MediaFetchTimeout,
	}, logger)

	gw.agg = aggregator.New(ctx, aggregator.Config{
		SettleDelay:  cfg.Aggregator.SettleDelay,
		DedupeWindow: cfg.Aggregator.DedupeWindow,
	}, gw.handleTurn, gw.simulatePresence, logger)

	mgrOpts := []manager.Option{
		manager.WithInbound(func(clientID string, msg session.Message) {
			gw.agg.OnInboundMessage(clientID, msg)
		}),
	}
	if o.qrHook != nil {
		mgrOpts = append(mgrOpts, manager.WithQRHook(o.qrHook))
	}
	gw.manager = manager.New(cfg.Manager, store, factory, logger, mgrOpts...)

	gw.cron = cron.New()
	gw.scheduleMaintenance()
	return gw
}

// Manager exposes the lifecycle manager for the operator surface.
func (g *Gateway) Manager() *manager.Manager { return g.manager }

// Run restores persisted sessions, starts supervision and maintenance, and
// blocks until ctx is cancelled, then tears the pipeline down.
func (g *Gateway) Run(ctx context.Context) error {
	g.started = time.Now()
	g.logger.Info("gateway starting", "name", g.cfg.Name, "environment", g.cfg.Environment)

	g.manager.RestoreExisting(ctx)
	go g.manager.RunHealthLoop(ctx)
	g.cron.Start()

	<-ctx.Done()
	g.logger.Info("gateway shutting down")

	stopCtx := g.cron.Stop()
	<-stopCtx.Done()
	g.agg.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	g.manager.Close(shutdownCtx)
	if err := g.store.Close(); err != nil {
		g.logger.Warn("closing session store", "error", err)
	}
	return nil
}

// handleTurn is the aggregator's dispatch target: one settled turn in, one
// delivered reply out. AI failures degrade to the fixed apology; the sender
// never sees an internal error.
func (g *Gateway) handleTurn(ctx context.Context, turn aggregator.Turn) error {
	rec, err := g.manager.Get(turn.ClientID)
	if err != nil {
		return err
	}

	reply, err := g.ai.Complete(ctx, ai.Request{
		Text:           turn.Text,
		SenderIdentity: turn.SenderKey,
		RoutingTag:     rec.AgentCode,
	})
	if err != nil {
		g.logger.Warn("completion failed, substituting apology",
			"turn_id", turn.ID, "client_id", turn.ClientID, "error", err)
		reply = ai.Apology
	}

	sess, err := g.manager.Session(turn.ClientID)
	if err != nil {
		return err
	}

	parts := compiler.Compile(reply)
	if err := g.deliver.Deliver(ctx, sess, turn.ChatID, parts); err != nil {
		g.logger.Warn("reply delivery incomplete",
			"turn_id", turn.ID, "client_id", turn.ClientID, "error", err)
		return err
	}
	g.logger.Info("turn answered",
		"turn_id", turn.ID, "client_id", turn.ClientID,
		"sender", turn.SenderKey, "parts", len(parts))
	return nil
}

// simulatePresence marks the queued messages read and shows typing, fired by
// the aggregator partway through the settle window.
func (g *Gateway) simulatePresence(ctx context.Context, clientID, chatID string, messageIDs []string) {
	sess, err := g.manager.Session(clientID)
	if err != nil {
		return
	}
	if err := sess.MarkRead(ctx, chatID, messageIDs); err != nil {
		g.logger.Debug("mark read failed", "client_id", clientID, "error", err)
	}
	if err := sess.Composing(ctx, chatID); err != nil {
		g.logger.Debug("typing indicator failed", "client_id", clientID, "error", err)
	}
}

// Snapshot is the health surface: aggregate counts of clients by status.
type Snapshot struct {
	Name         string                 `json:"name"`
	Uptime       time.Duration          `json:"uptime"`
	TotalClients int                    `json:"total_clients"`
	ReadyClients int                    `json:"ready_clients"`
	StatusCounts map[manager.Status]int `json:"status_counts"`
	PendingTurns int                    `json:"pending_turns"`
	GeneratedAt  time.Time              `json:"generated_at"`
}

// StatusSnapshot builds the current health snapshot.
func (g *Gateway) StatusSnapshot() Snapshot {
	counts := g.manager.StatusCounts()
	total, ready := 0, 0
	for status, n := range counts {
		total += n
		if status.Operational() {
			ready += n
		}
	}
	return Snapshot{
		Name:         g.cfg.Name,
		Uptime:       time.Since(g.started).Round(time.Second),
		TotalClients: total,
		ReadyClients: ready,
		StatusCounts: counts,
		PendingTurns: g.agg.PendingSenders(),
		GeneratedAt:  time.Now(),
	}
}

// scheduleMaintenance registers the recurring jobs: dedupe-mark sweeping,
// orphaned-device cleanup, and a periodic status report.
func (g *Gateway) scheduleMaintenance() {
	g.cron.AddFunc("@every 1m", func() {
		if n := g.agg.SweepDedupe(); n > 0 {
			g.logger.Debug("swept dedupe marks", "removed", n)
		}
	})

	if sweeper, ok := g.store.(orphanSweeper); ok {
		g.cron.AddFunc("@every 10m", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			n, err := sweeper.SweepOrphans(ctx)
			if err != nil {
				g.logger.Warn("orphan sweep failed", "error", err)
				return
			}
			if n > 0 {
				g.logger.Info("swept orphaned devices", "removed", n)
			}
		})
	}

	g.cron.AddFunc("@every 5m", func() {
		snap := g.StatusSnapshot()
		g.logger.Info("status report",
			"total", snap.TotalClients,
			"ready", snap.ReadyClients,
			"pending_turns", snap.PendingTurns,
			"uptime", snap.Uptime)
	})
}
