package handler

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucaslui/hems/phat/internal/display"
	"github.com/lucaslui/hems/phat/internal/fetch"
)

type fetchCall struct {
	URL       string
	Validator string
}

type mockFetcher struct {
	mu     sync.Mutex
	calls  []fetchCall
	result fetch.Result
	err    error
}

func (m *mockFetcher) Fetch(_ context.Context, url, validator string) (fetch.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fetchCall{URL: url, Validator: validator})
	return m.result, m.err
}

func (m *mockFetcher) getCalls() []fetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fetchCall(nil), m.calls...)
}

type mockRenderer struct {
	mu     sync.Mutex
	images []image.Image
	errors []string
	err    error
}

func (m *mockRenderer) ShowImage(img image.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = append(m.images, img)
	return m.err
}

func (m *mockRenderer) ShowError(msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
	return m.err
}

func (m *mockRenderer) counts() (images, errs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.images), len(m.errors)
}

func (m *mockRenderer) lastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errors) == 0 {
		return ""
	}
	return m.errors[len(m.errors)-1]
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(3, 4, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func fresh(body []byte) fetch.Result {
	return fetch.Result{Kind: fetch.Fresh, Body: body, ContentType: "image/png"}
}

const validPayload = `{"url": "http://images.local/a.png", "hash": "h1"}`

func TestHandleMessage_FreshImageIsShown(t *testing.T) {
	fetcher := &mockFetcher{result: fresh(encodePNG(t, display.Width, display.Height))}
	renderer := &mockRenderer{}
	c := NewController(fetcher, renderer, nil)

	c.HandleMessage(context.Background(), "phat/image", []byte(validPayload))

	require.Equal(t, []fetchCall{{URL: "http://images.local/a.png", Validator: "h1"}}, fetcher.getCalls())
	images, errs := renderer.counts()
	assert.Equal(t, 1, images)
	assert.Equal(t, 0, errs)
	got := renderer.images[0]
	assert.Equal(t, image.Rect(0, 0, display.Width, display.Height), got.Bounds())
	r, _, _, _ := got.At(3, 4).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, "h1", c.LastHash())
}

func TestHandleMessage_DuplicateHashIsSkipped(t *testing.T) {
	fetcher := &mockFetcher{result: fresh(encodePNG(t, display.Width, display.Height))}
	renderer := &mockRenderer{}
	c := NewController(fetcher, renderer, nil)

	c.HandleMessage(context.Background(), "phat/image", []byte(validPayload))
	c.HandleMessage(context.Background(), "phat/image/dev", []byte(`{"url": "http://images.local/other.png", "hash": "h1"}`))

	assert.Len(t, fetcher.getCalls(), 1)
	images, errs := renderer.counts()
	assert.Equal(t, 1, images)
	assert.Equal(t, 0, errs)
}

func TestHandleMessage_HashUpdatedEvenWhenFetchFails(t *testing.T) {
	fetcher := &mockFetcher{err: &fetch.StatusError{StatusCode: 500, Status: "500 Internal Server Error"}}
	renderer := &mockRenderer{}
	c := NewController(fetcher, renderer, nil)

	c.HandleMessage(context.Background(), "phat/image", []byte(validPayload))
	assert.Equal(t, "h1", c.LastHash())
	assert.Equal(t, "unhandled status: 500 Internal Server Error", renderer.lastError())

	// no automatic retry for the same hash
	c.HandleMessage(context.Background(), "phat/image", []byte(validPayload))
	assert.Len(t, fetcher.getCalls(), 1)
}

func TestHandleMessage_NotModifiedIsSilent(t *testing.T) {
	fetcher := &mockFetcher{result: fetch.Result{Kind: fetch.NotModified}}
	renderer := &mockRenderer{}
	c := NewController(fetcher, renderer, nil)

	c.HandleMessage(context.Background(), "phat/image", []byte(validPayload))

	images, errs := renderer.counts()
	assert.Zero(t, images)
	assert.Zero(t, errs)
	assert.Equal(t, "h1", c.LastHash())
}

func TestHandleMessage_WrongSize(t *testing.T) {
	fetcher := &mockFetcher{result: fresh(encodePNG(t, 100, 50))}
	renderer := &mockRenderer{}
	c := NewController(fetcher, renderer, nil)

	c.HandleMessage(context.Background(), "phat/image", []byte(validPayload))

	images, errs := renderer.counts()
	assert.Zero(t, images)
	assert.Equal(t, 1, errs)
	assert.Equal(t, "image size is incorrect!", renderer.lastError())
}

func TestHandleMessage_DecodeFailure(t *testing.T) {
	fetcher := &mockFetcher{result: fresh([]byte("garbage"))}
	renderer := &mockRenderer{}
	c := NewController(fetcher, renderer, nil)

	c.HandleMessage(context.Background(), "phat/image", []byte(validPayload))

	assert.Equal(t, []string{display.MsgDecode}, renderer.errors)
}

func TestHandleMessage_MalformedPayloadKeepsHash(t *testing.T) {
	fetcher := &mockFetcher{result: fetch.Result{Kind: fetch.NotModified}}
	renderer := &mockRenderer{}
	c := NewController(fetcher, renderer, nil)

	c.HandleMessage(context.Background(), "phat/image", []byte(validPayload))
	require.Equal(t, "h1", c.LastHash())

	c.HandleMessage(context.Background(), "phat/image", []byte(`{"url": }`))

	assert.Equal(t, []string{display.MsgBadPayload}, renderer.errors)
	assert.Equal(t, "h1", c.LastHash())
	assert.Len(t, fetcher.getCalls(), 1)
}

func TestHandleMessage_TransportFailureIsDisplayed(t *testing.T) {
	fetcher := &mockFetcher{err: errors.New("execute request: dial tcp: connection refused")}
	renderer := &mockRenderer{}
	c := NewController(fetcher, renderer, nil)

	assert.NotPanics(t, func() {
		c.HandleMessage(context.Background(), "phat/image", []byte(validPayload))
	})
	assert.Contains(t, renderer.lastError(), "connection refused")
}

func TestHandleMessage_RendererFailureIsLogged(t *testing.T) {
	fetcher := &mockFetcher{result: fresh(encodePNG(t, display.Width, display.Height))}
	renderer := &mockRenderer{err: errors.New("busy pin stuck")}
	c := NewController(fetcher, renderer, nil)

	assert.NotPanics(t, func() {
		c.HandleMessage(context.Background(), "phat/image", []byte(validPayload))
	})
	assert.Equal(t, "h1", c.LastHash())
}

func TestHandleMessage_ContentTypeErrorEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	renderer := &mockRenderer{}
	c := NewController(fetch.NewClient(), renderer, nil)

	c.HandleMessage(context.Background(), "phat/image", []byte(`{"url": "`+srv.URL+`/a.png", "hash": "h2"}`))

	images, errs := renderer.counts()
	assert.Zero(t, images)
	require.Equal(t, 1, errs)
	assert.Contains(t, renderer.lastError(), "text/html")
}

func TestHandleMessage_ConditionalFetchEndToEnd(t *testing.T) {
	body := encodePNG(t, display.Width, display.Height)
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == "h3" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	renderer := &mockRenderer{}
	c := NewController(fetch.NewClient(), renderer, nil)

	c.HandleMessage(context.Background(), "phat/image", []byte(`{"url": "`+srv.URL+`", "hash": "h3"}`))

	assert.Equal(t, 1, hits)
	images, errs := renderer.counts()
	assert.Zero(t, images)
	assert.Zero(t, errs)
}

func TestHandleMessage_ConcurrentDuplicatesFetchOnce(t *testing.T) {
	fetcher := &mockFetcher{result: fetch.Result{Kind: fetch.NotModified}}
	c := NewController(fetcher, &mockRenderer{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.HandleMessage(context.Background(), "phat/image", []byte(validPayload))
		}()
	}
	wg.Wait()

	assert.Len(t, fetcher.getCalls(), 1)
}

func TestLegacy_NonURLStopsBeforeFetch(t *testing.T) {
	fetcher := &mockFetcher{}
	renderer := &mockRenderer{}
	c := NewController(fetcher, renderer, nil, WithLegacyPayload())

	c.HandleMessage(context.Background(), "phat/image", []byte("hello there"))

	assert.Empty(t, fetcher.getCalls())
	assert.Contains(t, renderer.lastError(), "not a URL")
}

func TestLegacy_EveryMessageFetchesUnconditionally(t *testing.T) {
	fetcher := &mockFetcher{result: fresh(encodePNG(t, display.Width, display.Height))}
	renderer := &mockRenderer{}
	c := NewController(fetcher, renderer, nil, WithLegacyPayload())

	c.HandleMessage(context.Background(), "phat/image", []byte(" http://images.local/a.png\n"))
	c.HandleMessage(context.Background(), "phat/image", []byte("http://images.local/a.png"))

	want := fetchCall{URL: "http://images.local/a.png"}
	assert.Equal(t, []fetchCall{want, want}, fetcher.getCalls())
	images, _ := renderer.counts()
	assert.Equal(t, 2, images)
	assert.Empty(t, c.LastHash())
}

func TestFetchErrorMessage(t *testing.T) {
	assert.Equal(t, "unhandled status: 404 Not Found",
		fetchErrorMessage(&fetch.StatusError{StatusCode: 404, Status: "404 Not Found"}))
	assert.Equal(t, "resp wasn't image: text/html",
		fetchErrorMessage(&fetch.ContentTypeError{ContentType: "text/html"}))
	assert.Equal(t, "image too large", fetchErrorMessage(fetch.ErrBodyTooLarge))
	assert.Equal(t, "fetch failed: boom", fetchErrorMessage(errors.New("boom")))
}
