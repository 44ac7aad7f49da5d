package render

import (
	"fmt"
	"image"

	qrcode "github.com/skip2/go-qrcode"
)

// GlyphEncoder produces a raster QR glyph for arbitrary text at a target
// pixel size. The encoding algorithm itself is a collaborator; the
// renderer only composes the result.
type GlyphEncoder interface {
	Encode(content string, size int) (image.Image, error)
}

// QRGlyphEncoder encodes glyphs with medium error correction, enough
// redundancy for print wear without inflating module density.
type QRGlyphEncoder struct{}

// Encode implements GlyphEncoder.
func (QRGlyphEncoder) Encode(content string, size int) (image.Image, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encode qr glyph: %w", err)
	}
	qr.DisableBorder = true
	return qr.Image(size), nil
}
