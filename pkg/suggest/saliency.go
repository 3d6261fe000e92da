package suggest

import (
	"context"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/mask-annotator/pkg/types"
)

// fallbackBox is used whenever no subject can be located
var fallbackBox = types.Box{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}

// SaliencyDetector locates the dominant subject locally from edge and colour contrast
type SaliencyDetector struct {
	config DetectionConfig
}

// DetectionConfig holds configuration for the local saliency detector
type DetectionConfig struct {
	ContrastWeight  float64
	ColorWeight     float64
	MinSubjectRatio float64
	// MaxSide is the long side the image is reduced to before analysis
	MaxSide int
}

// NewSaliency creates a detector with default configuration
func NewSaliency() *SaliencyDetector {
	return &SaliencyDetector{
		config: DetectionConfig{
			ContrastWeight:  0.3,
			ColorWeight:     0.7,
			MinSubjectRatio: 0.02,
			MaxSide:         256,
		},
	}
}

// NewSaliencyWithConfig creates a detector with custom configuration
func NewSaliencyWithConfig(config DetectionConfig) *SaliencyDetector {
	return &SaliencyDetector{config: config}
}

// Suggest returns the normalized bounding box of the most salient area
func (d *SaliencyDetector) Suggest(ctx context.Context, img types.Image) (types.Box, error) {
	if err := ctx.Err(); err != nil {
		return types.Box{}, err
	}
	if img.Raster == nil {
		return fallbackBox, nil
	}

	small := imaging.Clone(img.Raster)
	if d.config.MaxSide > 0 {
		b := small.Bounds()
		if b.Dx() > d.config.MaxSide || b.Dy() > d.config.MaxSide {
			small = imaging.Fit(small, d.config.MaxSide, d.config.MaxSide, imaging.Box)
		}
	}

	saliency := d.saliencyMap(small.Pix, small.Stride, small.Bounds().Dx(), small.Bounds().Dy())
	return d.salientBox(saliency, small.Bounds().Dx(), small.Bounds().Dy()), nil
}

// saliencyMap scores each pixel by its local edge strength and its colour
// distance from the image mean
func (d *SaliencyDetector) saliencyMap(pix []uint8, stride, width, height int) [][]float64 {
	at := func(x, y int) (float64, float64, float64) {
		i := y*stride + x*4
		return float64(pix[i]), float64(pix[i+1]), float64(pix[i+2])
	}

	var mr, mg, mb float64
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b := at(x, y)
			mr += r
			mg += g
			mb += b
		}
	}
	n := float64(width * height)
	mr, mg, mb = mr/n, mg/n, mb/n

	maxDist := math.Sqrt(3 * 255 * 255)
	neighbors := [][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}

	saliency := make([][]float64, height)
	for y := 0; y < height; y++ {
		saliency[y] = make([]float64, width)
		for x := 0; x < width; x++ {
			r1, g1, b1 := at(x, y)

			var edge float64
			count := 0
			for _, off := range neighbors {
				nx, ny := x+off[0], y+off[1]
				if nx < 0 || ny < 0 || nx >= width || ny >= height {
					continue
				}
				r2, g2, b2 := at(nx, ny)
				edge += math.Sqrt((r1-r2)*(r1-r2) + (g1-g2)*(g1-g2) + (b1-b2)*(b1-b2))
				count++
			}
			if count > 0 {
				edge /= float64(count) * maxDist
			}

			colour := math.Sqrt((r1-mr)*(r1-mr)+(g1-mg)*(g1-mg)+(b1-mb)*(b1-mb)) / maxDist
			saliency[y][x] = d.config.ContrastWeight*edge + d.config.ColorWeight*colour
		}
	}
	return saliency
}

// salientBox bounds every pixel scoring at least one standard deviation above the mean
func (d *SaliencyDetector) salientBox(saliency [][]float64, width, height int) types.Box {
	if width == 0 || height == 0 {
		return fallbackBox
	}

	var sum, sumSq float64
	for _, row := range saliency {
		for _, v := range row {
			sum += v
			sumSq += v * v
		}
	}
	n := float64(width * height)
	mean := sum / n
	std := math.Sqrt(math.Max(sumSq/n-mean*mean, 0))
	if std < 1e-6 {
		return fallbackBox
	}
	threshold := mean + std

	x0, y0, x1, y1 := width, height, -1, -1
	for y, row := range saliency {
		for x, v := range row {
			if v < threshold {
				continue
			}
			x0, y0 = min(x0, x), min(y0, y)
			x1, y1 = max(x1, x), max(y1, y)
		}
	}
	if x1 < 0 {
		return fallbackBox
	}

	box := types.Box{
		X: float64(x0) / float64(width),
		Y: float64(y0) / float64(height),
		W: float64(x1-x0+1) / float64(width),
		H: float64(y1-y0+1) / float64(height),
	}
	if box.W*box.H < d.config.MinSubjectRatio {
		return growToArea(box, d.config.MinSubjectRatio)
	}
	return box
}

// growToArea scales a box about its centre until it covers the given area fraction
func growToArea(b types.Box, area float64) types.Box {
	cx, cy := b.X+b.W/2, b.Y+b.H/2
	side := math.Sqrt(area)
	w, h := math.Max(b.W, side), math.Max(b.H, side)
	return normalizeBox(types.Box{X: cx - w/2, Y: cy - h/2, W: w, H: h})
}
