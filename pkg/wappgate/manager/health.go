package manager

import (
	"context"
	"strings"
	"time"
)

// remoteLogoutSignatures identifies probe errors meaning the remote side
// invalidated the session. These are matched against the transport's error
// text; in-place recovery is futile for them because the stored credential
// is gone, so they fast-path to a QR reset.
var remoteLogoutSignatures = []string{
	"logged out",
	"unpaired",
	"device removed",
	"401",
	"stream replaced",
}

// isRemoteLogout classifies a liveness probe failure.
func isRemoteLogout(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, sig := range remoteLogoutSignatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

// RunHealthLoop polls every managed client on the configured interval until
// ctx is cancelled. Meant to run as a goroutine next to the gateway.
func (m *Manager) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	m.logger.Info("health loop started", "interval", m.cfg.HealthInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health loop stopped")
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs one supervision pass over every client: stuck
// initializations are reset to QR pairing, unhealthy ready sessions are
// classified and routed to reset or error, and clients sitting in error past
// the grace delay are recovered in place. Identities are handled
// independently; one client's remediation never blocks another's check.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		m.checkClient(ctx, c)
	}
}

func (m *Manager) checkClient(ctx context.Context, c *client) {
	c.mu.Lock()
	status := c.status
	inStatus := time.Since(c.statusAt)
	sess := c.sess
	c.mu.Unlock()

	switch {
	case status == StatusInitializing && inStatus > m.cfg.StuckInitThreshold:
		m.logger.Warn("client stuck initializing, forcing QR reset",
			"client_id", c.id, "stuck_for", inStatus.Round(time.Second))
		go func() {
			if err := m.ResetToQR(context.WithoutCancel(ctx), c.id); err != nil {
				m.logger.Error("QR reset for stuck client failed",
					"client_id", c.id, "error", err)
			}
		}()

	case status.Operational():
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		state, err := sess.State(probeCtx)
		cancel()
		if err == nil {
			m.logger.Debug("liveness probe ok",
				"client_id", c.id, "state", state)
			return
		}
		if isRemoteLogout(err) {
			m.logger.Warn("liveness probe says remote logout, forcing QR reset",
				"client_id", c.id, "error", err)
			go func() {
				if rerr := m.ResetToQR(context.WithoutCancel(ctx), c.id); rerr != nil {
					m.logger.Error("QR reset after remote logout failed",
						"client_id", c.id, "error", rerr)
				}
			}()
			return
		}
		m.logger.Warn("liveness probe failed, marking error",
			"client_id", c.id, "error", err)
		c.apply(evFault)
		c.mu.Lock()
		c.isReady = false
		c.mu.Unlock()

	case status == StatusError && inStatus > m.cfg.ErrorGrace:
		m.logger.Info("error grace elapsed, recovering client",
			"client_id", c.id, "in_error_for", inStatus.Round(time.Second))
		go func() {
			if err := m.Recover(context.WithoutCancel(ctx), c.id); err != nil {
				m.logger.Error("automatic recovery failed",
					"client_id", c.id, "error", err)
			}
		}()
	}
}
