package types

import (
	"fmt"
	"image"
	"strings"
)

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Polarity tells whether a mark keeps or removes the region under it
type Polarity int

const (
	Keep Polarity = iota
	Remove
)

// Label returns the wire label used by the segmentation service (1=keep, 0=remove)
func (p Polarity) Label() int {
	if p == Keep {
		return 1
	}
	return 0
}

func (p Polarity) String() string {
	if p == Keep {
		return "keep"
	}
	return "remove"
}

// Mark is a polarity-tagged point in native image pixels
type Mark struct {
	X        int      `json:"x"`
	Y        int      `json:"y"`
	Polarity Polarity `json:"polarity"`
}

// BoundingBox is a rectangle in native image pixels with X1<=X2 and Y1<=Y2
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// NewBoundingBox builds a box from two corners given in any order
func NewBoundingBox(ax, ay, bx, by int) BoundingBox {
	return BoundingBox{
		X1: min(ax, bx),
		Y1: min(ay, by),
		X2: max(ax, bx),
		Y2: max(ay, by),
	}
}

// BoxFromNormalized converts a normalized box into native pixels for an image
// of size w x h. Both corners are clamped into [0,w) x [0,h).
func BoxFromNormalized(b Box, w, h int) BoundingBox {
	fw, fh := float64(w), float64(h)
	return NewBoundingBox(
		clampPixel(int(b.X*fw+0.5), w), clampPixel(int(b.Y*fh+0.5), h),
		clampPixel(int((b.X+b.W)*fw+0.5), w), clampPixel(int((b.Y+b.H)*fh+0.5), h),
	)
}

func clampPixel(v, n int) int {
	return max(0, min(v, n-1))
}

// Mode is the active annotation mode
type Mode int

const (
	PointKeep Mode = iota
	PointRemove
	BoxMode
)

func (m Mode) String() string {
	switch m {
	case PointKeep:
		return "keep"
	case PointRemove:
		return "remove"
	case BoxMode:
		return "box"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the textual mode names used by the CLI and the live transport
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep", "point_keep", "positive":
		return PointKeep, nil
	case "remove", "point_remove", "negative":
		return PointRemove, nil
	case "box":
		return BoxMode, nil
	}
	return PointKeep, fmt.Errorf("unknown annotation mode: %q", s)
}

// DisplayRect is the on-screen rectangle of the displayed image in CSS pixels
type DisplayRect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Image is an immutable user-selected image: original bytes plus decoded raster
type Image struct {
	Name        string
	ContentType string
	Data        []byte
	Raster      image.Image
	Width       int
	Height      int
}

// Mask is the raster returned by the prediction service for one request
type Mask struct {
	Raster   image.Image
	Sequence uint64
}

// ModelArtifact is the result of a successful reconstruction
type ModelArtifact struct {
	ModelPath       string   `json:"model_path"`
	ColorGridPaths  []string `json:"color_grid_paths"`
	NormalGridPaths []string `json:"normal_grid_paths"`

	ModelURL       string   `json:"model_url"`
	ColorGridURLs  []string `json:"color_grid_urls"`
	NormalGridURLs []string `json:"normal_grid_urls"`
}

// Primary is the dominant subject reported by a vision model
type Primary struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// SubjectHint is the parsed answer of a vision model asked to locate the subject
type SubjectHint struct {
	Primary     Primary `json:"primary"`
	Description string  `json:"description"`
}
