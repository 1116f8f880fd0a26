// Package render composites slippy map draw commands into in-memory images,
// for writing rendered basemaps to files.
package render

import (
	"image"
	"image/draw"
	"image/png"
	"io"
	"math"
)

// ImagePainter implements slippymap.Painter on an RGBA canvas sized in
// device pixels. Placement points are device-independent; the draw
// command's pixel ratio maps them onto the canvas.
type ImagePainter struct {
	dst    *image.RGBA
	origin [2]float64

	// OnDraw, when set, is called after every composited tile.
	OnDraw func(img image.Image, at [2]float64)
}

// NewImagePainter creates a canvas of width by height device pixels whose
// top-left corner corresponds to the device-independent pixel position
// origin.
func NewImagePainter(width, height int, origin [2]float64) *ImagePainter {
	return &ImagePainter{
		dst:    image.NewRGBA(image.Rect(0, 0, width, height)),
		origin: origin,
	}
}

func (p *ImagePainter) DrawImage(img image.Image, at [2]float64, pixelRatio float64) {
	x := int(math.Round((at[0] - p.origin[0]) * pixelRatio))
	y := int(math.Round((at[1] - p.origin[1]) * pixelRatio))

	bounds := img.Bounds()
	target := bounds.Sub(bounds.Min).Add(image.Pt(x, y))
	draw.Draw(p.dst, target, img, bounds.Min, draw.Over)

	if p.OnDraw != nil {
		p.OnDraw(img, at)
	}
}

// Image is the composited canvas.
func (p *ImagePainter) Image() *image.RGBA {
	return p.dst
}

// WritePNG encodes img to w.
func WritePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}
