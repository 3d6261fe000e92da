// Package workflow derives the user-facing progress step from the state of
// the other components. It never gates operations itself.
package workflow

// Step is the displayed progression
type Step int

const (
	SelectImage Step = 1
	Annotate    Step = 2
	Generate    Step = 3
)

func (s Step) String() string {
	switch s {
	case SelectImage:
		return "select-image"
	case Annotate:
		return "annotate"
	case Generate:
		return "generate"
	}
	return "unknown"
}

// Facts are the observations the step is derived from
type Facts struct {
	HasImage       bool
	HasAnnotation  bool
	Generated      bool
	PendingPredict int
	Generating     bool
}

// Progress is what the UI should communicate
type Progress struct {
	Step       Step   `json:"step"`
	Name       string `json:"name"`
	Hint       string `json:"hint"`
	Predicting bool   `json:"predicting"`
	Generating bool   `json:"generating"`
	// CanGenerate is advisory; the engine performs its own checks
	CanGenerate bool `json:"can_generate"`
}

// Derive computes the progress for the given facts.
// Step 1 without an image, step 3 once a generation succeeded for the
// current image, step 2 otherwise.
func Derive(f Facts) Progress {
	p := Progress{
		Predicting: f.PendingPredict > 0,
		Generating: f.Generating,
	}

	switch {
	case !f.HasImage:
		p.Step = SelectImage
		p.Hint = "choose an image to annotate"
	case f.Generated:
		p.Step = Generate
		p.Hint = "model ready"
	default:
		p.Step = Annotate
		switch {
		case f.Generating:
			p.Hint = "generating model"
		case f.HasAnnotation:
			p.Hint = "refine the mask or generate the model"
		default:
			p.Hint = "mark the object with points or a box"
		}
	}

	p.Name = p.Step.String()
	p.CanGenerate = f.HasImage && f.HasAnnotation && !f.Generating
	return p
}
