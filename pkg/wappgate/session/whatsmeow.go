// Package session – whatsmeow.go implements Session on top of whatsmeow, a
// native Go WhatsApp Web API library. One Whatsmeow instance per client
// identity; all instances share the SQLStore container.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Whatsmeow is the production Session implementation.
type Whatsmeow struct {
	clientID string
	store    *SQLStore
	client   *whatsmeow.Client
	logger   *slog.Logger

	eventsMu     sync.Mutex
	events       chan Event
	eventsClosed bool
	destroyed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewFactory returns a Factory producing whatsmeow-backed sessions bound to
// this store. Each call yields a brand-new session object; a destroyed
// session is never resurrected.
func (s *SQLStore) NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(clientID string) (Session, error) {
		ctx, cancel := context.WithCancel(context.Background())

		device, err := s.deviceForClient(ctx, clientID)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("resolving device for %s: %w", clientID, err)
		}

		store.SetOSInfo("Wappgate", [3]uint32{1, 0, 0})

		w := &Whatsmeow{
			clientID: clientID,
			store:    s,
			client:   whatsmeow.NewClient(device, waLog.Noop),
			logger:   logger.With("component", "session", "client_id", clientID),
			events:   make(chan Event, 256),
			ctx:      ctx,
			cancel:   cancel,
		}
		w.client.AddEventHandler(w.handleEvent)
		return w, nil
	}
}

// Initialize connects to WhatsApp. For an unpaired identity the QR pairing
// flow runs in the background and progress arrives on Events.
func (w *Whatsmeow) Initialize(ctx context.Context) error {
	if w.destroyed.Load() {
		return fmt.Errorf("session for %s was destroyed", w.clientID)
	}

	if err := w.store.Register(ctx, w.clientID); err != nil {
		return err
	}

	if w.client.Store.ID == nil {
		// First login: stream QR codes until paired or expired.
		qrChan, err := w.client.GetQRChannel(w.ctx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := w.client.Connect(); err != nil {
			return fmt.Errorf("connecting for QR: %w", err)
		}
		go w.pumpQR(qrChan)
		return nil
	}

	// Existing session: silent restore.
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// pumpQR forwards whatsmeow QR channel items as session events.
func (w *Whatsmeow) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-w.ctx.Done():
			return
		case item, ok := <-qrChan:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				w.emit(EventQR{Code: item.Code})
			case "success":
				// Connected event carries the rest of the transition.
			case "timeout":
				w.emit(EventDisconnected{Reason: "qr_timeout"})
				return
			default:
				if item.Error != nil {
					w.emit(EventAuthFailure{Reason: item.Error.Error()})
					return
				}
			}
		}
	}
}

// Destroy disconnects and closes the event stream. Safe to call repeatedly.
func (w *Whatsmeow) Destroy(_ context.Context) error {
	if !w.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	w.cancel()
	w.client.Disconnect()
	w.eventsMu.Lock()
	if !w.eventsClosed {
		w.eventsClosed = true
		close(w.events)
	}
	w.eventsMu.Unlock()
	return nil
}

// SendText delivers a plain text message.
func (w *Whatsmeow) SendText(ctx context.Context, to, text string) error {
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}
	if !w.client.IsConnected() {
		return ErrNotConnected
	}
	msg := &waProto.Message{Conversation: proto.String(text)}
	if _, err := w.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SendMedia uploads and delivers an attachment. Images go out as image
// messages; everything else is sent as a document.
func (w *Whatsmeow) SendMedia(ctx context.Context, to string, media *Media) error {
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}
	if !w.client.IsConnected() {
		return ErrNotConnected
	}

	var msg *waProto.Message
	if strings.HasPrefix(media.MimeType, "image/") {
		up, err := w.client.Upload(ctx, media.Data, whatsmeow.MediaImage)
		if err != nil {
			return fmt.Errorf("uploading image: %w", err)
		}
		msg = &waProto.Message{ImageMessage: &waProto.ImageMessage{
			Caption:       proto.String(media.Caption),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	} else {
		up, err := w.client.Upload(ctx, media.Data, whatsmeow.MediaDocument)
		if err != nil {
			return fmt.Errorf("uploading document: %w", err)
		}
		msg = &waProto.Message{DocumentMessage: &waProto.DocumentMessage{
			Caption:       proto.String(media.Caption),
			FileName:      proto.String(media.Filename),
			Mimetype:      proto.String(media.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}

	if _, err := w.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("sending media: %w", err)
	}
	return nil
}

// Composing shows a typing indicator.
func (w *Whatsmeow) Composing(ctx context.Context, chat string) error {
	jid, err := parseJID(chat)
	if err != nil {
		return err
	}
	if !w.client.IsConnected() {
		return ErrNotConnected
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// MarkRead marks messages as read.
func (w *Whatsmeow) MarkRead(ctx context.Context, chat string, ids []string) error {
	jid, err := parseJID(chat)
	if err != nil {
		return err
	}
	if !w.client.IsConnected() {
		return ErrNotConnected
	}
	msgIDs := make([]types.MessageID, len(ids))
	for i, id := range ids {
		msgIDs[i] = types.MessageID(id)
	}
	return w.client.MarkRead(ctx, msgIDs, time.Now(), jid, jid)
}

// State probes the live connection.
func (w *Whatsmeow) State(_ context.Context) (string, error) {
	if w.destroyed.Load() {
		return "", fmt.Errorf("session for %s was destroyed", w.clientID)
	}
	if !w.client.IsConnected() {
		return "", ErrNotConnected
	}
	if w.client.Store.ID == nil {
		return "unpaired", nil
	}
	return "connected", nil
}

// Events returns the lifecycle event stream.
func (w *Whatsmeow) Events() <-chan Event {
	return w.events
}

// ---------- whatsmeow event translation ----------

func (w *Whatsmeow) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		w.handlePairSuccess(evt)

	case *events.Connected:
		w.emit(EventAuthenticated{})
		w.emit(EventReady{PhoneNumber: w.phoneNumber()})

	case *events.Disconnected:
		w.emit(EventDisconnected{Reason: "connection_lost"})

	case *events.StreamReplaced:
		w.emit(EventDisconnected{Reason: "stream_replaced"})

	case *events.LoggedOut:
		reason := "unknown"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		w.emit(EventLoggedOut{Reason: reason})

	case *events.ConnectFailure:
		w.emit(EventAuthFailure{Reason: evt.Reason.String()})

	case *events.TemporaryBan:
		w.emit(EventAuthFailure{Reason: fmt.Sprintf("temporary ban: %s", evt.Code)})

	case *events.Message:
		w.handleMessage(evt)
	}
}

// handlePairSuccess records the device binding so restarts can restore the
// session without a new QR scan.
func (w *Whatsmeow) handlePairSuccess(evt *events.PairSuccess) {
	w.logger.Info("device paired", "jid", evt.ID, "platform", evt.Platform)
	if err := w.store.BindDevice(w.ctx, w.clientID, evt.ID); err != nil {
		w.logger.Warn("binding paired device failed", "error", err)
		return
	}
	w.emit(EventSaved{})
}

func (w *Whatsmeow) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	body := extractBody(evt.Message)
	if body == "" {
		return
	}

	msg := Message{
		ID:        string(evt.Info.ID),
		From:      w.resolveJID(evt.Info.Sender),
		ChatID:    w.resolveJID(evt.Info.Chat),
		Body:      body,
		Timestamp: evt.Info.Timestamp,
	}

	if quoted := quotedBody(evt.Message); quoted != "" {
		msg.HasQuoted = true
		msg.QuotedBody = quoted
	}

	w.emit(EventMessage{Message: msg})
}

// resolveJID maps LID-format identities back to phone JIDs when possible.
func (w *Whatsmeow) resolveJID(jid types.JID) string {
	if jid.Server == "lid" && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, jid); err == nil && !alt.IsEmpty() {
			return alt.String()
		}
	}
	return jid.String()
}

func (w *Whatsmeow) phoneNumber() string {
	if w.client.Store.ID != nil {
		return w.client.Store.ID.User
	}
	return ""
}

// emit forwards an event without blocking the whatsmeow handler goroutine.
// The mutex pairs with Destroy so a send can never hit a closed channel.
func (w *Whatsmeow) emit(evt Event) {
	w.eventsMu.Lock()
	defer w.eventsMu.Unlock()
	if w.eventsClosed {
		return
	}
	select {
	case w.events <- evt:
	default:
		w.logger.Warn("event channel full, dropping event", "event", fmt.Sprintf("%T", evt))
	}
}

// extractBody pulls the text content out of a raw message.
func extractBody(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	if img := msg.ImageMessage; img != nil {
		return img.GetCaption()
	}
	if vid := msg.VideoMessage; vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.DocumentMessage; doc != nil {
		return doc.GetCaption()
	}
	return ""
}

// quotedBody pulls the text of the message being replied to, if any.
func quotedBody(msg *waProto.Message) string {
	if msg == nil {
		return ""
	}
	var ctxInfo *waProto.ContextInfo
	switch {
	case msg.ExtendedTextMessage != nil:
		ctxInfo = msg.ExtendedTextMessage.GetContextInfo()
	case msg.ImageMessage != nil:
		ctxInfo = msg.ImageMessage.GetContextInfo()
	case msg.VideoMessage != nil:
		ctxInfo = msg.VideoMessage.GetContextInfo()
	case msg.DocumentMessage != nil:
		ctxInfo = msg.DocumentMessage.GetContextInfo()
	}
	if ctxInfo == nil {
		return ""
	}
	if quoted := ctxInfo.QuotedMessage; quoted != nil {
		return extractBody(quoted)
	}
	return ""
}

// parseJID converts a string to a types.JID. Accepts bare phone numbers and
// full JIDs like "5511999999999@s.whatsapp.net".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
