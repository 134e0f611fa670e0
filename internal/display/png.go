package display

import (
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
)

// PNGPanel stands in for the e-paper panel on machines without one: every
// refresh overwrites a PNG file.
type PNGPanel struct {
	path string
}

func NewPNGPanel(path string) *PNGPanel {
	return &PNGPanel{path: path}
}

func (p *PNGPanel) Bounds() image.Rectangle { return image.Rect(0, 0, Width, Height) }

func (p *PNGPanel) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	frame := image.NewRGBA(p.Bounds())
	draw.Draw(frame, r, src, sp, draw.Src)

	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".phat-*.png")
	if err != nil {
		return fmt.Errorf("png panel: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := png.Encode(tmp, frame); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("png panel: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("png panel: %w", err)
	}
	return os.Rename(tmp.Name(), p.path)
}

func (p *PNGPanel) Close() error { return nil }
