// Package compiler – deliver.go drives compiled parts through a session with
// human-like pacing: a typing indicator before each part, a randomized pause
// between consecutive parts, and media fetched and attached with a one-shot
// plain-URL fallback.
package compiler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/jholhewres/wappgate/pkg/wappgate/session"
)

// Transport is the slice of the session a Deliverer drives. session.Session
// satisfies it.
type Transport interface {
	Composing(ctx context.Context, chat string) error
	SendText(ctx context.Context, to, text string) error
	SendMedia(ctx context.Context, to string, media *session.Media) error
}

// Options configures delivery pacing.
type Options struct {
	// MinPartDelay / MaxPartDelay bound the randomized pause between parts.
	MinPartDelay time.Duration
	MaxPartDelay time.Duration

	// MediaFetchTimeout bounds one media download.
	MediaFetchTimeout time.Duration
}

// DefaultOptions returns the production pacing defaults.
func DefaultOptions() Options {
	return Options{
		MinPartDelay:      time.Second,
		MaxPartDelay:      3 * time.Second,
		MediaFetchTimeout: 30 * time.Second,
	}
}

// Deliverer sends compiled parts through a transport.
type Deliverer struct {
	opts    Options
	fetcher *http.Client
	logger  *slog.Logger
}

// NewDeliverer creates a Deliverer.
func NewDeliverer(opts Options, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MediaFetchTimeout == 0 {
		opts.MediaFetchTimeout = 30 * time.Second
	}
	return &Deliverer{
		opts:    opts,
		fetcher: &http.Client{Timeout: opts.MediaFetchTimeout},
		logger:  logger.With("component", "deliver"),
	}
}

// Deliver sends the parts strictly in order. Send-level errors matching the
// transport's known spurious serialization signature are treated as delivered
// and never retried; real failures get one plain-text fallback and are then
// given up on so the remaining parts still go out.
func (d *Deliverer) Deliver(ctx context.Context, t Transport, to string, parts []Part) error {
	var firstErr error
	for i, part := range parts {
		if i > 0 {
			select {
			case <-time.After(d.partDelay()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := t.Composing(ctx, to); err != nil {
			d.logger.Debug("typing indicator failed", "to", to, "error", err)
		}

		var err error
		switch part.Kind {
		case KindMedia:
			err = d.deliverMedia(ctx, t, to, part)
		default:
			err = d.deliverText(ctx, t, to, part.Value)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Deliverer) deliverText(ctx context.Context, t Transport, to, text string) error {
	err := t.SendText(ctx, to, text)
	if err == nil || probablyDelivered(err) {
		return nil
	}
	return fmt.Errorf("sending text part: %w", err)
}

// deliverMedia fetches the URL and sends it as an attachment. A failed fetch
// or a real send failure falls back to sending the bare URL as text, once.
func (d *Deliverer) deliverMedia(ctx context.Context, t Transport, to string, part Part) error {
	media, err := d.fetch(ctx, part.Value)
	if err != nil {
		d.logger.Warn("media fetch failed, sending URL as text",
			"url", part.Value, "error", err)
		return d.deliverText(ctx, t, to, part.Value)
	}
	media.Caption = part.Caption

	err = t.SendMedia(ctx, to, media)
	if err == nil || probablyDelivered(err) {
		return nil
	}

	d.logger.Warn("media send failed, sending URL as text",
		"url", part.Value, "error", err)
	return d.deliverText(ctx, t, to, part.Value)
}

// fetch downloads a media URL.
func (d *Deliverer) fetch(ctx context.Context, url string) (*session.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building fetch request: %w", err)
	}
	resp, err := d.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching media: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("reading media body: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(path.Ext(url)); byExt != "" {
			mimeType = byExt
		}
	}

	return &session.Media{
		Data:     data,
		MimeType: mimeType,
		Filename: path.Base(url),
	}, nil
}

// partDelay picks the randomized pause between consecutive parts.
func (d *Deliverer) partDelay() time.Duration {
	min, max := d.opts.MinPartDelay, d.opts.MaxPartDelay
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// spuriousSendSignatures are error-text fragments the transport is known to
// raise after a functionally successful send. Matching errors are treated as
// delivered; retrying them causes duplicate messages, which is worse than an
// occasional false negative. Heuristic string matching against a third-party
// library's error text — revisit against the transport's documented error
// taxonomy before extending.
var spuriousSendSignatures = []string{
	"serialize",
	"getmessagemodel",
}

// probablyDelivered classifies the ambiguous send failure.
func probablyDelivered(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, sig := range spuriousSendSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
