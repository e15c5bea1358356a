package manager

import (
	"time"
)

// Status is the lifecycle state of one managed client.
type Status string

const (
	// StatusInitializing means the session is starting up.
	StatusInitializing Status = "initializing"

	// StatusQRRequired means a pairing challenge is waiting to be scanned.
	StatusQRRequired Status = "qr_required"

	// StatusAuthenticated means credentials were accepted but the session is
	// not yet fully operational.
	StatusAuthenticated Status = "authenticated"

	// StatusReady means the session is operational and can carry traffic.
	StatusReady Status = "ready"

	// StatusSessionSaved refines ready: auth material has been persisted.
	// Still counts as ready for traffic purposes.
	StatusSessionSaved Status = "session_saved"

	// StatusDisconnected means the connection dropped or was closed.
	StatusDisconnected Status = "disconnected"

	// StatusError means the client needs recovery.
	StatusError Status = "error"
)

// Operational reports whether a client in this status can carry traffic.
func (s Status) Operational() bool {
	return s == StatusReady || s == StatusSessionSaved
}

// lifeEvent is a lifecycle signal applied to the state machine.
type lifeEvent string

const (
	evInitialize   lifeEvent = "initialize"
	evQR           lifeEvent = "qr"
	evAuth         lifeEvent = "authenticated"
	evReady        lifeEvent = "ready"
	evSaved        lifeEvent = "saved"
	evAuthFailure  lifeEvent = "auth_failure"
	evDisconnected lifeEvent = "disconnected"
	evFault        lifeEvent = "fault"
)

// transitions is the legality table: which status a lifecycle event moves a
// client into, from each current status. Events absent for a status are
// ignored (the caller logs them).
var transitions = map[Status]map[lifeEvent]Status{
	StatusInitializing: {
		evQR:           StatusQRRequired,
		evAuth:         StatusAuthenticated,
		evReady:        StatusReady,
		evAuthFailure:  StatusError,
		evDisconnected: StatusDisconnected,
		evFault:        StatusError,
	},
	StatusQRRequired: {
		evQR:           StatusQRRequired, // challenge refresh
		evAuth:         StatusAuthenticated,
		evReady:        StatusReady,
		evAuthFailure:  StatusError,
		evDisconnected: StatusDisconnected,
		evFault:        StatusError,
		evInitialize:   StatusInitializing,
	},
	StatusAuthenticated: {
		evReady:        StatusReady,
		evSaved:        StatusSessionSaved,
		evAuthFailure:  StatusError,
		evDisconnected: StatusDisconnected,
		evFault:        StatusError,
	},
	StatusReady: {
		evSaved:        StatusSessionSaved,
		evDisconnected: StatusDisconnected,
		evAuthFailure:  StatusError,
		evFault:        StatusError,
	},
	StatusSessionSaved: {
		evReady:        StatusReady, // reconnect after a blip
		evSaved:        StatusSessionSaved,
		evDisconnected: StatusDisconnected,
		evAuthFailure:  StatusError,
		evFault:        StatusError,
	},
	StatusDisconnected: {
		evInitialize: StatusInitializing,
		evAuth:       StatusAuthenticated,
		evReady:      StatusReady,
		evFault:      StatusError,
	},
	StatusError: {
		evInitialize: StatusInitializing,
		evAuth:       StatusAuthenticated,
		evReady:      StatusReady,
		evFault:      StatusError,
	},
}

// transition applies one lifecycle event to a status. The second return is
// false when the event is not legal from the current status, in which case
// the status is returned unchanged.
func transition(cur Status, ev lifeEvent) (Status, bool) {
	next, ok := transitions[cur][ev]
	if !ok {
		return cur, false
	}
	return next, true
}

// Record is a point-in-time snapshot of one managed client, safe to hand to
// callers. The manager owns the live state; records never alias it.
type Record struct {
	// ClientID is the caller-supplied identity.
	ClientID string `json:"client_id"`

	// Status is the lifecycle state at snapshot time.
	Status Status `json:"status"`

	// IsReady is true only while the session reports itself operational.
	IsReady bool `json:"is_ready"`

	// PhoneNumber is the linked account, populated once ready.
	PhoneNumber string `json:"phone_number,omitempty"`

	// QRCode is the raw pairing challenge, present only in qr_required.
	QRCode string `json:"qr_code,omitempty"`

	// LastActivity is the most recent lifecycle event or traffic.
	LastActivity time.Time `json:"last_activity"`

	// AgentCode is the external routing tag assigned out-of-band.
	AgentCode string `json:"agent_code,omitempty"`
}
