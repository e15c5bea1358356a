// Package session defines the contracts between the gateway core and the
// WhatsApp transport: a controllable Session per client identity, the Store
// that persists its authentication material, and the lifecycle events a
// session emits. The real implementations are backed by whatsmeow; tests use
// synthetic sessions that feed scripted events.
package session

import (
	"context"
	"fmt"
	"time"
)

// Session is one controllable WhatsApp connection bound to a client identity.
// It is exclusively owned by the lifecycle manager: a session that failed is
// destroyed and replaced wholesale, never reused.
type Session interface {
	// Initialize starts the connection. For an unlinked identity this kicks
	// off the QR pairing flow; EventQR/EventAuthenticated/EventReady arrive
	// on Events as the flow progresses.
	Initialize(ctx context.Context) error

	// Destroy tears the session down and releases its resources. Destroying
	// an already-destroyed session is a no-op.
	Destroy(ctx context.Context) error

	// SendText delivers a plain text message to the given chat.
	SendText(ctx context.Context, to, text string) error

	// SendMedia delivers a media attachment with an optional caption.
	SendMedia(ctx context.Context, to string, media *Media) error

	// Composing shows a "typing..." indicator in the given chat.
	Composing(ctx context.Context, chat string) error

	// MarkRead marks the given message IDs as read in the chat.
	MarkRead(ctx context.Context, chat string, ids []string) error

	// State probes the live connection. The returned string describes the
	// transport state; an error means the probe itself failed and should be
	// classified by the caller (remote logout vs transient fault).
	State(ctx context.Context) (string, error)

	// Events returns the lifecycle event stream. The channel is closed when
	// the session is destroyed.
	Events() <-chan Event
}

// Factory creates a fresh Session for a client identity. The manager calls it
// on creation and again after every destroy-and-recreate cycle.
type Factory func(clientID string) (Session, error)

// Store persists authentication material keyed by client identity.
type Store interface {
	// Exists reports whether persisted auth material is present for clientID.
	Exists(ctx context.Context, clientID string) (bool, error)

	// List enumerates every client identity with persisted auth material.
	List(ctx context.Context) ([]string, error)

	// Delete removes the persisted auth material for clientID.
	Delete(ctx context.Context, clientID string) error

	// Close releases the underlying storage handle.
	Close() error
}

// ---------- Events ----------

// Event is a lifecycle or traffic event emitted by a Session.
type Event interface{ sessionEvent() }

// EventQR carries a fresh pairing challenge. Code is the raw QR string.
type EventQR struct {
	Code string
}

// EventAuthenticated fires when the session's credentials were accepted,
// either from a fresh QR scan or a silently restored login.
type EventAuthenticated struct{}

// EventReady fires when the session is fully operational.
type EventReady struct {
	// PhoneNumber is the linked account's number, without domain suffix.
	PhoneNumber string
}

// EventSaved fires when the session's auth material has been persisted.
type EventSaved struct{}

// EventAuthFailure fires when the transport rejected the credentials.
type EventAuthFailure struct {
	Reason string
}

// EventDisconnected fires when the connection dropped.
type EventDisconnected struct {
	Reason string
}

// EventLoggedOut fires when the remote side invalidated the session. The
// stored credential is gone; only a new QR pairing can recover.
type EventLoggedOut struct {
	Reason string
}

// EventMessage carries one inbound message.
type EventMessage struct {
	Message Message
}

func (EventQR) sessionEvent()            {}
func (EventAuthenticated) sessionEvent() {}
func (EventReady) sessionEvent()         {}
func (EventSaved) sessionEvent()         {}
func (EventAuthFailure) sessionEvent()   {}
func (EventDisconnected) sessionEvent()  {}
func (EventLoggedOut) sessionEvent()     {}
func (EventMessage) sessionEvent()       {}

// Message is one inbound chat message, already reduced to the fields the
// aggregation pipeline consumes.
type Message struct {
	// ID is the transport's unique message identifier.
	ID string

	// From is the raw sender address (e.g. "6281234567890@s.whatsapp.net").
	From string

	// ChatID is the chat the message arrived in (equals From for DMs).
	ChatID string

	// Body is the text content.
	Body string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// HasQuoted indicates the message is a reply to another message.
	HasQuoted bool

	// QuotedBody is the text of the quoted message, when HasQuoted is set.
	QuotedBody string
}

// Media is one outbound attachment.
type Media struct {
	// Data is the raw media bytes.
	Data []byte

	// MimeType is the MIME type (e.g. "image/png").
	MimeType string

	// Filename is used for document-style delivery of non-image types.
	Filename string

	// Caption is the text accompanying the media.
	Caption string
}

// Errors shared by session implementations.
var (
	ErrNotConnected  = fmt.Errorf("session is not connected")
	ErrAlreadyLinked = fmt.Errorf("session is already linked")
	ErrUnknownClient = fmt.Errorf("unknown client identity")
)
