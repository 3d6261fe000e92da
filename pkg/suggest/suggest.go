// Package suggest proposes a starting bounding box for the dominant subject
// of an image, either locally or by asking a vision model.
package suggest

import (
	"context"

	"github.com/menta2k/mask-annotator/pkg/types"
)

// Suggester proposes a normalized subject box for an image
type Suggester interface {
	Suggest(ctx context.Context, img types.Image) (types.Box, error)
}

// VisionClient is a vision-model backend able to answer a subject-location prompt
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	LocateSubject(ctx context.Context, model, prompt, imgB64 string) (*types.SubjectHint, error)
}
