package compiler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/wappgate/pkg/wappgate/session"
)

// fakeTransport records calls and fails on demand.
type fakeTransport struct {
	mu        sync.Mutex
	calls     []string
	textSent  []string
	mediaSent []*session.Media

	textErr  error
	mediaErr error
}

func (f *fakeTransport) Composing(context.Context, string) error {
	f.record("composing")
	return nil
}

func (f *fakeTransport) SendText(_ context.Context, _, text string) error {
	f.record("text")
	f.mu.Lock()
	f.textSent = append(f.textSent, text)
	f.mu.Unlock()
	return f.textErr
}

func (f *fakeTransport) SendMedia(_ context.Context, _ string, m *session.Media) error {
	f.record("media")
	f.mu.Lock()
	f.mediaSent = append(f.mediaSent, m)
	f.mu.Unlock()
	return f.mediaErr
}

func (f *fakeTransport) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func fastDeliverer() *Deliverer {
	return NewDeliverer(Options{
		MinPartDelay:      time.Millisecond,
		MaxPartDelay:      2 * time.Millisecond,
		MediaFetchTimeout: time.Second,
	}, nil)
}

func TestDeliver(t *testing.T) {
	t.Run("parts go out in order with typing first", func(t *testing.T) {
		ft := &fakeTransport{}
		d := fastDeliverer()

		err := d.Deliver(context.Background(), ft, "123", []Part{
			{Kind: KindText, Value: "one"},
			{Kind: KindText, Value: "two"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"composing", "text", "composing", "text"}, ft.calls)
		assert.Equal(t, []string{"one", "two"}, ft.textSent)
	})

	t.Run("media fetched and attached with caption", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			w.Write([]byte("png-bytes"))
		}))
		defer srv.Close()

		ft := &fakeTransport{}
		d := fastDeliverer()

		err := d.Deliver(context.Background(), ft, "123", []Part{
			{Kind: KindMedia, Value: srv.URL + "/i.png", Caption: "a chart"},
		})
		require.NoError(t, err)
		require.Len(t, ft.mediaSent, 1)
		assert.Equal(t, []byte("png-bytes"), ft.mediaSent[0].Data)
		assert.Equal(t, "image/png", ft.mediaSent[0].MimeType)
		assert.Equal(t, "a chart", ft.mediaSent[0].Caption)
	})

	t.Run("failed fetch falls back to URL as text", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		ft := &fakeTransport{}
		d := fastDeliverer()

		url := srv.URL + "/gone.png"
		err := d.Deliver(context.Background(), ft, "123", []Part{{Kind: KindMedia, Value: url}})
		require.NoError(t, err)
		assert.Empty(t, ft.mediaSent)
		assert.Equal(t, []string{url}, ft.textSent)
	})

	t.Run("spurious serialize error is success, no resend", func(t *testing.T) {
		ft := &fakeTransport{textErr: errors.New("Evaluation failed: serialize error")}
		d := fastDeliverer()

		err := d.Deliver(context.Background(), ft, "123", []Part{{Kind: KindText, Value: "hi"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"hi"}, ft.textSent, "must not resend after spurious error")
	})

	t.Run("real text failure surfaces but later parts still go out", func(t *testing.T) {
		ft := &fakeTransport{textErr: errors.New("socket hang up")}
		d := fastDeliverer()

		err := d.Deliver(context.Background(), ft, "123", []Part{
			{Kind: KindText, Value: "one"},
			{Kind: KindText, Value: "two"},
		})
		require.Error(t, err)
		assert.Len(t, ft.textSent, 2)
	})

	t.Run("cancelled context stops between parts", func(t *testing.T) {
		ft := &fakeTransport{}
		d := fastDeliverer()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := d.Deliver(ctx, ft, "123", []Part{
			{Kind: KindText, Value: "one"},
			{Kind: KindText, Value: "two"},
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Len(t, ft.textSent, 1)
	})
}

func TestProbablyDelivered(t *testing.T) {
	assert.True(t, probablyDelivered(errors.New("failed to serialize message")))
	assert.True(t, probablyDelivered(errors.New("getMessageModel is not a function")))
	assert.False(t, probablyDelivered(errors.New("connection refused")))
}
