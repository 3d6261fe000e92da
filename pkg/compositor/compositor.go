// Package compositor draws the annotation view: base image, predicted mask
// and annotation markers, always in that order, into a buffer at the
// image's native resolution.
package compositor

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/vector"

	"github.com/menta2k/mask-annotator/pkg/coords"
	"github.com/menta2k/mask-annotator/pkg/types"
)

const discSegments = 64

// Style controls how masks and markers are drawn
type Style struct {
	MarkerRadius float64
	StrokeWidth  float64
	MaskOpacity  float64
	BoxLineWidth int

	Background  color.NRGBA
	KeepColor   color.NRGBA
	RemoveColor color.NRGBA
	StrokeColor color.NRGBA
	BoxColor    color.NRGBA
}

// DefaultStyle returns the stock marker style
func DefaultStyle() Style {
	return Style{
		MarkerRadius: 8,
		StrokeWidth:  2,
		MaskOpacity:  0.5,
		BoxLineWidth: 2,
		Background:   color.NRGBA{0, 0, 0, 0},
		KeepColor:    color.NRGBA{0, 200, 83, 255},
		RemoveColor:  color.NRGBA{229, 57, 53, 255},
		StrokeColor:  color.NRGBA{255, 255, 255, 255},
		BoxColor:     color.NRGBA{66, 133, 244, 255},
	}
}

// Layers are the inputs of a render
type Layers struct {
	Image image.Image
	Mask  image.Image
	Marks []types.Mark
	Box   *types.BoundingBox
}

// Render composites the layers into a new buffer the size of the base image.
// It is a pure function of its inputs: equal layers give equal pixels.
func Render(l Layers, style Style) *image.NRGBA {
	if l.Image == nil {
		return image.NewNRGBA(image.Rect(0, 0, 0, 0))
	}
	b := l.Image.Bounds()
	w, h := b.Dx(), b.Dy()

	// 1. clear
	dst := imaging.New(w, h, style.Background)

	// 2. base image, 1:1
	dst = imaging.Overlay(dst, l.Image, image.Pt(0, 0), 1.0)

	// 3. mask over the same footprint
	if l.Mask != nil {
		mask := l.Mask
		if mb := mask.Bounds(); mb.Dx() != w || mb.Dy() != h {
			mask = imaging.Resize(mask, w, h, imaging.NearestNeighbor)
		}
		dst = imaging.Overlay(dst, mask, image.Pt(0, 0), style.MaskOpacity)
	}

	// 4. marks, later ones on top
	half := style.StrokeWidth / 2
	for _, m := range l.Marks {
		fill := style.KeepColor
		if m.Polarity == types.Remove {
			fill = style.RemoveColor
		}
		cx, cy := float64(m.X)+0.5, float64(m.Y)+0.5
		drawDisc(dst, cx, cy, style.MarkerRadius+half, style.StrokeColor)
		drawDisc(dst, cx, cy, style.MarkerRadius-half, fill)
	}

	// 5. box outline
	if l.Box != nil {
		drawRect(dst, *l.Box, style.BoxColor, style.BoxLineWidth)
	}

	return dst
}

// Surface owns the drawing buffer. The buffer always has the native size of
// the current image; the CSS size only affects how it is displayed.
type Surface struct {
	style   Style
	buf     *image.NRGBA
	css     coords.Size
	renders int
}

// NewSurface creates an empty surface
func NewSurface(style Style) *Surface {
	return &Surface{
		style: style,
		buf:   image.NewNRGBA(image.Rect(0, 0, 0, 0)),
	}
}

// Redraw re-renders the buffer from the given layers
func (s *Surface) Redraw(l Layers) *image.NRGBA {
	s.buf = Render(l, s.style)
	s.renders++
	return s.buf
}

// SetCSSSize changes the displayed size without touching the buffer
func (s *Surface) SetCSSSize(size coords.Size) {
	s.css = size
}

// CSSSize returns the displayed size
func (s *Surface) CSSSize() coords.Size {
	return s.css
}

// Buffer returns the last rendered buffer
func (s *Surface) Buffer() *image.NRGBA {
	return s.buf
}

// Renders returns how many times the buffer was redrawn
func (s *Surface) Renders() int {
	return s.renders
}

// drawDisc fills an anti-aliased circle centred at (cx, cy)
func drawDisc(dst *image.NRGBA, cx, cy, r float64, c color.NRGBA) {
	if r <= 0 {
		return
	}
	size := int(math.Ceil(2*r)) + 2
	ox := int(math.Floor(cx-r)) - 1
	oy := int(math.Floor(cy-r)) - 1
	lx, ly := cx-float64(ox), cy-float64(oy)

	z := vector.NewRasterizer(size, size)
	z.MoveTo(float32(lx+r), float32(ly))
	for i := 1; i < discSegments; i++ {
		a := 2 * math.Pi * float64(i) / discSegments
		z.LineTo(float32(lx+r*math.Cos(a)), float32(ly+r*math.Sin(a)))
	}
	z.ClosePath()

	coverage := image.NewAlpha(image.Rect(0, 0, size, size))
	z.Draw(coverage, coverage.Bounds(), image.Opaque, image.Point{})

	rect := image.Rect(ox, oy, ox+size, oy+size)
	draw.DrawMask(dst, rect, image.NewUniform(c), image.Point{}, coverage, image.Point{}, draw.Over)
}

// drawRect strokes the outline of box, centred on its edges
func drawRect(dst *image.NRGBA, box types.BoundingBox, c color.NRGBA, width int) {
	if width < 1 {
		width = 1
	}
	half := width / 2
	x0, x1 := box.X1-half, box.X2-half+width
	y0, y1 := box.Y1-half, box.Y2-half+width
	for s := 0; s < width; s++ {
		drawHLine(dst, box.Y1-half+s, x0, x1, c)
		drawHLine(dst, box.Y2-half+s, x0, x1, c)
		drawVLine(dst, box.X1-half+s, y0, y1, c)
		drawVLine(dst, box.X2-half+s, y0, y1, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	b := img.Bounds()
	if y < b.Min.Y || y >= b.Max.Y {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	x0, x1 = max(x0, b.Min.X), min(x1, b.Max.X)
	if x0 >= x1 {
		return
	}
	i := img.PixOffset(x0, y)
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	y0, y1 = max(y0, b.Min.Y), min(y1, b.Max.Y)
	if y0 >= y1 {
		return
	}
	i := img.PixOffset(x, y0)
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
