package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Layout fixes every coordinate of the poster. Identical input yields an
// identical image; cached posters rely on that.
type Layout struct {
	Width       int
	Height      int
	GlyphSize   int
	BrandHeader string
	ScanBaseURL string
}

// Default layout constants, expressed as fractions of the canvas so the
// configured dimensions stay coherent.
const (
	headerOffsetY      = 60
	instructionOffsetY = 130
	instructionGap     = 24
	labelGapY          = 40
	footerHeight       = 48
)

var (
	instructionLine1 = "Scan dengan kamera ponsel Anda"
	instructionLine2 = "untuk membuka profil penghuni"

	footerColor = color.RGBA{R: 0x1f, G: 0x2a, B: 0x44, A: 0xff}
	textColor   = color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
)

// Poster composes printable posters for single codes.
type Poster struct {
	glyphs GlyphEncoder
	layout Layout
}

// NewPoster constructs a poster renderer.
func NewPoster(glyphs GlyphEncoder, layout Layout) *Poster {
	if layout.Width <= 0 {
		layout.Width = 600
	}
	if layout.Height <= 0 {
		layout.Height = 900
	}
	if layout.GlyphSize <= 0 || layout.GlyphSize > layout.Width {
		layout.GlyphSize = layout.Width * 3 / 5
	}
	return &Poster{glyphs: glyphs, layout: layout}
}

// ScanURL returns the canonical payload encoded into the glyph. The format
// must remain stable: stickers already printed encode it forever.
func (p *Poster) ScanURL(code string) string {
	return fmt.Sprintf("%s/%s", p.layout.ScanBaseURL, code)
}

// Render produces the complete poster image for one code. A missing glyph
// aborts the render; a partial poster is never returned.
func (p *Poster) Render(code string) (image.Image, error) {
	glyph, err := p.glyphs.Encode(p.ScanURL(code), p.layout.GlyphSize)
	if err != nil {
		return nil, fmt.Errorf("render poster for %s: %w", code, err)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, p.layout.Width, p.layout.Height))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	p.drawCenteredText(canvas, p.layout.BrandHeader, headerOffsetY)
	p.drawCenteredText(canvas, instructionLine1, instructionOffsetY)
	p.drawCenteredText(canvas, instructionLine2, instructionOffsetY+instructionGap)

	glyphX := (p.layout.Width - p.layout.GlyphSize) / 2
	glyphY := (p.layout.Height - p.layout.GlyphSize) / 2
	glyphRect := image.Rect(glyphX, glyphY, glyphX+p.layout.GlyphSize, glyphY+p.layout.GlyphSize)
	draw.Draw(canvas, glyphRect, glyph, glyph.Bounds().Min, draw.Src)

	p.drawCenteredText(canvas, code, glyphY+p.layout.GlyphSize+labelGapY)

	footerRect := image.Rect(0, p.layout.Height-footerHeight, p.layout.Width, p.layout.Height)
	draw.Draw(canvas, footerRect, &image.Uniform{C: footerColor}, image.Point{}, draw.Src)

	return canvas, nil
}

// RenderPNG renders the poster and encodes it as PNG bytes.
func (p *Poster) RenderPNG(code string) ([]byte, error) {
	img, err := p.Render(code)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode poster png: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *Poster) drawCenteredText(dst *image.RGBA, text string, baselineY int) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  &image.Uniform{C: textColor},
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I((p.layout.Width - width) / 2),
			Y: fixed.I(baselineY),
		},
	}
	drawer.DrawString(text)
}
