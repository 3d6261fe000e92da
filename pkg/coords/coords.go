// Package coords maps pointer positions in display space onto native image
// pixels and keeps the drawing surface's display size in step with the
// rendered image element.
package coords

import (
	"math"

	"github.com/menta2k/mask-annotator/pkg/types"
)

// ToImageSpace converts a pointer position in display space to native image pixels.
//
// The display rectangle must be the one current at the time of the event; it is
// never cached because layout changes move and rescale the element. Results are
// not clamped: clicks near an edge may fall outside [0,w) x [0,h).
func ToImageSpace(pointerX, pointerY float64, rect types.DisplayRect, nativeWidth, nativeHeight int) (int, int) {
	if rect.Width <= 0 || rect.Height <= 0 {
		return 0, 0
	}
	scaleX := float64(nativeWidth) / rect.Width
	scaleY := float64(nativeHeight) / rect.Height

	px := int(math.Floor((pointerX - rect.Left) * scaleX))
	py := int(math.Floor((pointerY - rect.Top) * scaleY))
	return px, py
}

// Inside reports whether a display position lies strictly inside the rectangle
func Inside(pointerX, pointerY float64, rect types.DisplayRect) bool {
	return pointerX >= rect.Left && pointerX < rect.Left+rect.Width &&
		pointerY >= rect.Top && pointerY < rect.Top+rect.Height
}

// Size is a display size in CSS pixels
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Synchronizer mirrors the rendered size of the displayed image onto the
// drawing surface's CSS size. It only tracks display scale; the surface
// buffer stays at native resolution and is not re-rendered on resize.
type Synchronizer struct {
	css      Size
	onResize func(Size)
}

// NewSynchronizer creates a synchronizer calling onResize whenever the mirrored size changes
func NewSynchronizer(onResize func(Size)) *Synchronizer {
	return &Synchronizer{onResize: onResize}
}

// Observe records the latest display rectangle of the image element.
// It returns true when the surface's CSS size had to change.
func (s *Synchronizer) Observe(rect types.DisplayRect) bool {
	next := Size{Width: rect.Width, Height: rect.Height}
	if next == s.css {
		return false
	}
	s.css = next
	if s.onResize != nil {
		s.onResize(next)
	}
	return true
}

// CSSSize returns the size the surface should be displayed at
func (s *Synchronizer) CSSSize() Size {
	return s.css
}

// Reset forgets the mirrored size, e.g. when a new image is selected
func (s *Synchronizer) Reset() {
	s.css = Size{}
}
