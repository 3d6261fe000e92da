package annotation

import (
	"github.com/menta2k/mask-annotator/pkg/types"
)

// State holds the interaction mode and the marks accumulated for the current image.
// It is owned by a single event loop and is not safe for concurrent use.
type State struct {
	mode  types.Mode
	marks []types.Mark
	draft *corner
	box   *types.BoundingBox
}

type corner struct {
	x, y int
}

// ClickResult describes what a click did to the state
type ClickResult struct {
	// Predict is true when the click produced new input for the segmentation service
	Predict bool
	// Mark is set when a point was appended
	Mark *types.Mark
	// Box is set when a box was completed
	Box *types.BoundingBox
	// Pending is true when the click only recorded the first box corner
	Pending bool
}

// New creates an empty state in PointKeep mode
func New() *State {
	return &State{mode: types.PointKeep}
}

// Reset drops every mark, the box and any pending corner. The mode is kept.
func (s *State) Reset() {
	s.marks = nil
	s.draft = nil
	s.box = nil
}

// SetMode switches the annotation mode. Leaving box mode discards a pending
// corner but never a completed box.
func (s *State) SetMode(m types.Mode) {
	if s.mode == types.BoxMode && m != types.BoxMode {
		s.draft = nil
	}
	s.mode = m
}

// Mode returns the active annotation mode
func (s *State) Mode() types.Mode {
	return s.mode
}

// Click applies a click at native pixel coordinates according to the active mode
func (s *State) Click(x, y int) ClickResult {
	switch s.mode {
	case types.PointKeep, types.PointRemove:
		polarity := types.Keep
		if s.mode == types.PointRemove {
			polarity = types.Remove
		}
		mark := types.Mark{X: x, Y: y, Polarity: polarity}
		s.marks = append(s.marks, mark)
		return ClickResult{Predict: true, Mark: &mark}

	case types.BoxMode:
		if s.draft == nil {
			s.draft = &corner{x: x, y: y}
			return ClickResult{Pending: true}
		}
		box := types.NewBoundingBox(s.draft.x, s.draft.y, x, y)
		s.draft = nil
		s.box = &box
		return ClickResult{Predict: true, Box: &box}
	}
	return ClickResult{}
}

// SetBox replaces the active box, discarding any pending corner
func (s *State) SetBox(box types.BoundingBox) {
	box = types.NewBoundingBox(box.X1, box.Y1, box.X2, box.Y2)
	s.draft = nil
	s.box = &box
}

// Marks returns a copy of the marks in insertion order
func (s *State) Marks() []types.Mark {
	out := make([]types.Mark, len(s.marks))
	copy(out, s.marks)
	return out
}

// Box returns the completed box, if any
func (s *State) Box() (types.BoundingBox, bool) {
	if s.box == nil {
		return types.BoundingBox{}, false
	}
	return *s.box, true
}

// PendingCorner returns the first corner of an unfinished box, if any
func (s *State) PendingCorner() (int, int, bool) {
	if s.draft == nil {
		return 0, 0, false
	}
	return s.draft.x, s.draft.y, true
}

// Empty reports whether there is nothing to segment yet
func (s *State) Empty() bool {
	return len(s.marks) == 0 && s.box == nil
}

// Snapshot is an immutable copy of the annotation input sent with a request
type Snapshot struct {
	Marks []types.Mark
	Box   *types.BoundingBox
}

// Snapshot copies the current marks and box
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{Marks: s.Marks()}
	if s.box != nil {
		box := *s.box
		snap.Box = &box
	}
	return snap
}
