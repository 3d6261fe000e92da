package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/menta2k/mask-annotator/pkg/imageio"
	"github.com/menta2k/mask-annotator/pkg/types"
)

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks the model for the box of the object a user would most likely want to cut out
const DefaultPrompt = `You are an image subject locator.

Return JSON only:
{
  "primary": {
    "label": "string",
    "confidence": 0.0,
    "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}
  },
  "description": "short neutral sentence (<= 20 words)"
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels).
- The box should tightly include the single most prominent object (prefer people/animals/vehicles/products; else the most central salient object).
- Do not include background or floor.
- If no object is found, return:
  {"primary":{"label":"none","confidence":0.0,"box":{"x":0.25,"y":0.25,"w":0.50,"h":0.50}},"description":"no distinct object"}
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Detector asks a vision model where the subject is
type Detector struct {
	client   VisionClient
	model    string
	sendSize int
	sendQ    int
}

// NewDetector creates a detector sending images of at most sendSize px on the long side
func NewDetector(client VisionClient, model string, sendSize int) *Detector {
	return &Detector{client: client, model: model, sendSize: sendSize, sendQ: 85}
}

// Suggest implements Suggester
func (d *Detector) Suggest(ctx context.Context, img types.Image) (types.Box, error) {
	imgB64, err := d.prepare(img)
	if err != nil {
		return types.Box{}, err
	}

	hint, err := d.LocateSubject(ctx, imgB64)
	if err != nil {
		return types.Box{}, err
	}
	return hint.Primary.Box, nil
}

// LocateSubject runs the default prompt and validates the answer
func (d *Detector) LocateSubject(ctx context.Context, imgB64 string) (*types.SubjectHint, error) {
	hint, err := d.client.LocateSubject(ctx, d.model, DefaultPrompt, imgB64)
	if err != nil {
		return nil, err
	}

	hint.Primary.Box = normalizeBox(hint.Primary.Box)
	if strings.EqualFold(hint.Primary.Label, "none") || hint.Primary.Box.W <= 0 || hint.Primary.Box.H <= 0 {
		hint.Primary.Box = fallbackBox
	}
	return hint, nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *Detector) TestVision(ctx context.Context, img types.Image) (string, error) {
	imgB64, err := d.prepare(img)
	if err != nil {
		return "", err
	}
	return d.client.SimpleQuery(ctx, d.model, SimpleTestPrompt, imgB64)
}

func (d *Detector) prepare(img types.Image) (string, error) {
	if img.Raster == nil {
		return "", fmt.Errorf("image has no raster")
	}
	imgB64, err := imageio.PrepareImageForModel(img.Raster, "jpg", d.sendSize, d.sendQ)
	if err != nil {
		return "", fmt.Errorf("failed to prepare image: %w", err)
	}
	return imgB64, nil
}

// ParseHint parses a vision model answer, tolerating fences, comments and
// trailing commas. Unparseable answers yield a low-confidence fallback.
func ParseHint(raw string) *types.SubjectHint {
	raw = sanitizeModelJSON(raw)

	fallback := func(label, description string) *types.SubjectHint {
		return &types.SubjectHint{
			Primary:     types.Primary{Label: label, Confidence: 0.1, Box: fallbackBox},
			Description: description,
		}
	}

	if !strings.HasPrefix(raw, "{") {
		return fallback("unclear image", "Model returned non-JSON response")
	}

	var hint types.SubjectHint
	if err := json.Unmarshal([]byte(raw), &hint); err != nil {
		return fallback("parse error", "Failed to parse model response")
	}
	if hint.Primary.Box.W == 0 && hint.Primary.Box.H == 0 {
		hint.Primary.Box = fallbackBox
	}
	return &hint
}

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.Trim(strings.TrimSpace(raw), "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox clips a box to the unit square
func normalizeBox(b types.Box) types.Box {
	x0 := clamp(b.X, 0, 1)
	y0 := clamp(b.Y, 0, 1)
	x1 := clamp(b.X+b.W, 0, 1)
	y1 := clamp(b.Y+b.H, 0, 1)
	return types.Box{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}
