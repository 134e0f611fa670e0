// Package display renders frames and error messages on a 212×104 palette
// e-paper panel. The panel doubles as the device's error console.
package display

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	Width  = 212
	Height = 104

	MsgBadPayload = "bad payload"
	MsgDecode     = "decode failed"
	MsgBadSize    = "image size is incorrect!"

	errorTextX = 20
	errorTextY = 20
)

// Panel is the physical (or simulated) screen. Draw blocks until the refresh completes.
type Panel interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// Variant is the panel's third ink next to black and white.
type Variant string

const (
	Red    Variant = "red"
	Black  Variant = "black"
	Yellow Variant = "yellow"
)

var (
	White     = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	Ink       = color.RGBA{A: 255}
	RedInk    = color.RGBA{R: 255, A: 255}
	YellowInk = color.RGBA{R: 255, G: 255, A: 255}

	defaultFace = basicfont.Face7x13

	ErrUnknownVariant = errors.New("unknown display color")
)

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToLower(strings.TrimSpace(s))); v {
	case Red, Black, Yellow:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

// Highlight is the color used for text and error rendering.
func (v Variant) Highlight() color.Color {
	switch v {
	case Red:
		return RedInk
	case Yellow:
		return YellowInk
	default:
		return Ink
	}
}

// Palette returns white, black and the highlight color, in that order.
func (v Variant) Palette() color.Palette {
	if v == Black || v == "" {
		return color.Palette{White, Ink}
	}
	return color.Palette{White, Ink, v.Highlight()}
}

// ValidSize reports whether img matches the panel resolution.
func ValidSize(img image.Image) bool {
	b := img.Bounds()
	return b.Dx() == Width && b.Dy() == Height
}

// ErrorFrame synthesizes a blank frame with msg drawn near the top-left in the
// highlight color. Text past the right edge is clipped.
func ErrorFrame(msg string, v Variant) *image.Paletted {
	img := image.NewPaletted(image.Rect(0, 0, Width, Height), v.Palette())
	d := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(v.Highlight()),
		Face: defaultFace,
		Dot:  fixed.P(errorTextX, errorTextY+defaultFace.Metrics().Ascent.Ceil()),
	}
	d.DrawString(msg)
	return img
}

type Renderer struct {
	mu      sync.Mutex
	panel   Panel
	variant Variant
	logger  *slog.Logger
}

func NewRenderer(panel Panel, variant Variant, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{panel: panel, variant: variant, logger: logger}
}

// ShowImage pushes img to the panel. A frame of the wrong size is replaced by
// the size error frame. Refreshes are neither queued nor coalesced.
func (r *Renderer) ShowImage(img image.Image) error {
	if img == nil || !ValidSize(img) {
		r.logger.Warn("display: refusing frame with wrong size", "want", fmt.Sprintf("%dx%d", Width, Height))
		img = ErrorFrame(MsgBadSize, r.variant)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.panel.Draw(r.panel.Bounds(), img, img.Bounds().Min); err != nil {
		return fmt.Errorf("display: draw: %w", err)
	}
	r.logger.Debug("display: refreshed")
	return nil
}

// ShowError renders msg as an error frame.
func (r *Renderer) ShowError(msg string) error {
	r.logger.Info("display: showing error", "message", msg)
	return r.ShowImage(ErrorFrame(msg, r.variant))
}
