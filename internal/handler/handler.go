package handler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/lucaslui/hems/phat/internal/display"
	"github.com/lucaslui/hems/phat/internal/fetch"
	"github.com/lucaslui/hems/phat/internal/validate"
)

type Fetcher interface {
	Fetch(ctx context.Context, url, validator string) (fetch.Result, error)
}

type Renderer interface {
	ShowImage(img image.Image) error
	ShowError(msg string) error
}

// DecodeFunc turns fetched bytes into an image and names its format.
type DecodeFunc func(b []byte) (image.Image, string, error)

// Controller handles inbound update messages. All work for one message runs
// under mu, so the last-hash check and update can never interleave even if
// the bus delivers callbacks concurrently.
type Controller struct {
	fetcher  Fetcher
	renderer Renderer
	decode   DecodeFunc
	logger   *slog.Logger
	legacy   bool

	mu       sync.Mutex
	lastHash string
}

type Option func(*Controller)

// WithLegacyPayload switches to bare-URL payloads with unconditional fetches.
func WithLegacyPayload() Option {
	return func(c *Controller) { c.legacy = true }
}

func WithDecoder(fn DecodeFunc) Option {
	return func(c *Controller) { c.decode = fn }
}

func NewController(fetcher Fetcher, renderer Renderer, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		fetcher:  fetcher,
		renderer: renderer,
		decode:   display.Decode,
		logger:   logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// LastHash returns the hash of the most recently accepted message.
func (c *Controller) LastHash() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHash
}

func (c *Controller) HandleMessage(ctx context.Context, topic string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.logger.With("event_id", uuid.NewString(), "topic", topic)
	log.Info("mqtt rx", "bytes", len(payload), "payload", validate.Truncate(payload, 512))

	if c.legacy {
		c.handleURL(ctx, log, payload)
		return
	}

	msg, err := validate.ValidatePayload(payload)
	if err != nil {
		log.Warn("invalid payload", "error", err)
		c.showError(log, display.MsgBadPayload)
		return
	}

	if msg.Hash == c.lastHash {
		log.Debug("hash unchanged, skipping", "hash", msg.Hash)
		return
	}
	// Set before fetching: a failed fetch is not retried for the same hash.
	c.lastHash = msg.Hash

	c.render(ctx, log, msg.URL, msg.Hash)
}

// handleURL treats the payload as a bare URL. Anything that does not look
// like one stops here, before any network call.
func (c *Controller) handleURL(ctx context.Context, log *slog.Logger, payload []byte) {
	url, err := validate.ValidateURL(string(payload))
	if err != nil {
		log.Warn("invalid payload", "error", err)
		c.showError(log, fmt.Sprintf("not a URL: %s", validate.Truncate(payload, 64)))
		return
	}
	c.render(ctx, log, url, "")
}

func (c *Controller) render(ctx context.Context, log *slog.Logger, url, validator string) {
	res, err := c.fetcher.Fetch(ctx, url, validator)
	if err != nil {
		log.Warn("fetch failed", "url", url, "error", err)
		c.showError(log, fetchErrorMessage(err))
		return
	}

	if res.Kind == fetch.NotModified {
		log.Debug("image not modified", "url", url)
		return
	}
	log.Info("image fetched", "url", url, "content_type", res.ContentType, "size", humanize.Bytes(uint64(len(res.Body))))

	img, format, err := c.decode(res.Body)
	if err != nil {
		log.Warn("decode failed", "error", err)
		c.showError(log, display.MsgDecode)
		return
	}
	if !display.ValidSize(img) {
		b := img.Bounds()
		log.Warn("image size is incorrect", "width", b.Dx(), "height", b.Dy())
		c.showError(log, display.MsgBadSize)
		return
	}

	if err := c.renderer.ShowImage(img); err != nil {
		log.Error("display write failed", "error", err)
		return
	}
	log.Info("image displayed", "format", format)
}

func (c *Controller) showError(log *slog.Logger, msg string) {
	if err := c.renderer.ShowError(msg); err != nil {
		log.Error("display write failed", "error", err)
	}
}

func fetchErrorMessage(err error) string {
	var (
		se *fetch.StatusError
		ce *fetch.ContentTypeError
	)
	switch {
	case errors.As(err, &se):
		return se.Error()
	case errors.As(err, &ce):
		return "resp wasn't image: " + ce.ContentType
	case errors.Is(err, fetch.ErrBodyTooLarge):
		return "image too large"
	default:
		return "fetch failed: " + err.Error()
	}
}
