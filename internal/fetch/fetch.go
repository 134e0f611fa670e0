// Package fetch retrieves display images over HTTP using conditional GETs.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxBodySize = 4 << 20

	userAgentProduct = "phat"
	userAgentVersion = "1.0"
)

var (
	ErrUnexpectedContentType = errors.New("unexpected content type")
	ErrBodyTooLarge          = errors.New("image body too large")
)

// StatusError captures responses other than 200 and 304.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return "unhandled status: " + e.Status
	}
	return fmt.Sprintf("unhandled status: %d", e.StatusCode)
}

// ContentTypeError is returned for a 200 response whose body is not an image.
type ContentTypeError struct {
	ContentType string
}

func (e *ContentTypeError) Error() string {
	return ErrUnexpectedContentType.Error() + ": " + e.ContentType
}

func (e *ContentTypeError) Is(target error) bool { return target == ErrUnexpectedContentType }

type Kind int

const (
	Fresh Kind = iota
	NotModified
)

func (k Kind) String() string {
	if k == NotModified {
		return "not-modified"
	}
	return "fresh"
}

// Result is a successful fetch outcome. Body and ContentType are only set for Fresh.
type Result struct {
	Kind        Kind
	Body        []byte
	ContentType string
}

type Client struct {
	http      *http.Client
	userAgent string
	maxBody   int64
}

// Option mutates the client during construction.
type Option func(*Client)

// WithHTTPClient installs a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the whole-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithMaxBodySize caps the number of image bytes read from a response.
func WithMaxBodySize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithUserAgent sets a custom User-Agent string.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{Timeout: DefaultTimeout},
		userAgent: buildDefaultUserAgent(),
		maxBody:   DefaultMaxBodySize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: DefaultTimeout}
	}
	return c
}

// Fetch issues a GET for url. A non-empty validator is sent as If-None-Match
// so an unchanged image comes back as NotModified. Failures are never retried.
func (c *Client) Fetch(ctx context.Context, url, validator string) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "image/*")
	if validator != "" {
		req.Header.Set("If-None-Match", validator)
	}
	if ua := strings.TrimSpace(c.userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return Result{Kind: NotModified}, nil
	default:
		return Result{}, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "image/") {
		return Result{}, &ContentTypeError{ContentType: ct}
	}

	// Read one byte past the limit to tell "exactly at limit" from "over".
	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if int64(len(raw)) > c.maxBody {
		return Result{}, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, c.maxBody)
	}
	return Result{Kind: Fresh, Body: raw, ContentType: ct}, nil
}

func buildDefaultUserAgent() string {
	goVer := strings.TrimPrefix(runtime.Version(), "go")
	return fmt.Sprintf("%s/%s (Go%s; %s/%s)", userAgentProduct, userAgentVersion, goVer, runtime.GOOS, runtime.GOARCH)
}
