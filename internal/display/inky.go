package display

import (
	"errors"
	"fmt"
	"image"
	"image/draw"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/inky"
	"periph.io/x/host/v3"

	"github.com/lucaslui/hems/phat/internal/config"
)

// InkyPanel drives a Pimoroni Inky pHAT over SPI.
type InkyPanel struct {
	dev  *inky.Dev
	port spi.PortCloser
}

func OpenInky(cfg config.DisplayConfig) (*InkyPanel, error) {
	variant, err := ParseVariant(cfg.Color)
	if err != nil {
		return nil, err
	}
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	dc, err := pinByName(cfg.DCPin)
	if err != nil {
		return nil, err
	}
	reset, err := pinByName(cfg.ResetPin)
	if err != nil {
		return nil, err
	}
	busy, err := pinByName(cfg.BusyPin)
	if err != nil {
		return nil, err
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("open spi port %q: %w", cfg.SPIPort, err)
	}

	p, err := newInkyPanel(port, dc, reset, busy, variant)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return p, nil
}

func newInkyPanel(port spi.PortCloser, dc, reset gpio.PinOut, busy gpio.PinIn, variant Variant) (*InkyPanel, error) {
	// The controller is addressed in portrait, 104 columns by 212 rows.
	dev, err := inky.New(port, dc, reset, busy, &inky.Opts{
		Width:       Height,
		Height:      Width,
		Model:       inky.PHAT,
		ModelColor:  variant.inkyColor(),
		BorderColor: inky.Black,
	})
	if err != nil {
		return nil, fmt.Errorf("inky: %w", err)
	}
	return &InkyPanel{dev: dev, port: port}, nil
}

// Bounds reports the landscape frame size; Draw rotates into the
// controller's portrait layout.
func (p *InkyPanel) Bounds() image.Rectangle { return image.Rect(0, 0, Width, Height) }

func (p *InkyPanel) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	frame := image.NewRGBA(p.Bounds())
	draw.Draw(frame, r, src, sp, draw.Src)
	return p.dev.Draw(p.dev.Bounds(), toPortrait(frame), image.Point{})
}

func (p *InkyPanel) Close() error {
	return errors.Join(p.dev.Halt(), p.port.Close())
}

// toPortrait rotates a landscape frame 90° clockwise.
func toPortrait(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.Set(b.Dy()-1-y, x, src.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

func pinByName(name string) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %q not found", name)
	}
	return p, nil
}

func (v Variant) inkyColor() inky.Color {
	switch v {
	case Red:
		return inky.Red
	case Yellow:
		return inky.Yellow
	default:
		return inky.Black
	}
}
