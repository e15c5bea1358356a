package manager

import (
	"context"

	"github.com/jholhewres/wappgate/pkg/wappgate/session"
)

// pumpEvents drains one session's event stream into the state machine. It
// exits when the session is destroyed (the channel closes). A replaced
// session keeps draining so its goroutine terminates, but its events no
// longer touch the record.
func (m *Manager) pumpEvents(c *client, sess session.Session) {
	for ev := range sess.Events() {
		c.mu.Lock()
		stale := c.sess != sess
		c.mu.Unlock()
		if stale {
			continue
		}
		m.handleEvent(c, ev)
	}
}

func (m *Manager) handleEvent(c *client, ev session.Event) {
	switch e := ev.(type) {
	case session.EventQR:
		if _, ok := c.apply(evQR); !ok {
			m.logger.Debug("QR challenge in unexpected state",
				"client_id", c.id, "status", c.snapshot().Status)
			return
		}
		c.mu.Lock()
		c.qrCode = e.Code
		c.mu.Unlock()
		m.logger.Info("QR challenge received", "client_id", c.id)
		if m.qrHook != nil {
			m.qrHook(c.id, e.Code)
		}

	case session.EventAuthenticated:
		if _, ok := c.apply(evAuth); ok {
			c.mu.Lock()
			c.qrCode = ""
			c.mu.Unlock()
			m.logger.Info("client authenticated", "client_id", c.id)
		}

	case session.EventReady:
		if _, ok := c.apply(evReady); ok {
			c.mu.Lock()
			c.isReady = true
			c.phone = e.PhoneNumber
			c.mu.Unlock()
			m.logger.Info("client ready",
				"client_id", c.id, "phone", e.PhoneNumber)
		}

	case session.EventSaved:
		if _, ok := c.apply(evSaved); ok {
			m.logger.Info("session persisted", "client_id", c.id)
		}

	case session.EventAuthFailure:
		c.apply(evAuthFailure)
		c.mu.Lock()
		c.isReady = false
		c.mu.Unlock()
		m.logger.Error("authentication failure",
			"client_id", c.id, "reason", e.Reason)

	case session.EventDisconnected:
		c.apply(evDisconnected)
		c.mu.Lock()
		c.isReady = false
		c.mu.Unlock()
		m.logger.Warn("client connection dropped",
			"client_id", c.id, "reason", e.Reason)

	case session.EventLoggedOut:
		// The stored credential is gone; only a fresh pairing can recover.
		c.apply(evDisconnected)
		c.mu.Lock()
		c.isReady = false
		c.mu.Unlock()
		m.logger.Warn("client logged out remotely, scheduling QR reset",
			"client_id", c.id, "reason", e.Reason)
		go func() {
			if err := m.ResetToQR(context.Background(), c.id); err != nil {
				m.logger.Error("QR reset after remote logout failed",
					"client_id", c.id, "error", err)
			}
		}()

	case session.EventMessage:
		c.mu.Lock()
		c.lastSeen = e.Message.Timestamp
		c.mu.Unlock()
		if m.inbound != nil {
			m.inbound(c.id, e.Message)
		}
	}
}
