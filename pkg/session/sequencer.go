package session

// Sequencer tags requests with increasing sequence numbers and decides which
// responses may still be applied. Only the response to the most recently
// issued request is accepted, and never twice.
type Sequencer struct {
	issued  uint64
	applied uint64
}

// Next returns the tag for a new request
func (s *Sequencer) Next() uint64 {
	s.issued++
	return s.issued
}

// Invalidate makes every outstanding request stale without issuing a new one
func (s *Sequencer) Invalidate() {
	s.issued++
}

// Accept reports whether the response tagged seq may be applied, and records
// it as applied if so.
func (s *Sequencer) Accept(seq uint64) bool {
	if seq != s.issued || seq <= s.applied {
		return false
	}
	s.applied = seq
	return true
}

// Latest returns the tag of the last issued request
func (s *Sequencer) Latest() uint64 {
	return s.issued
}

// Applied returns the tag of the last accepted response
func (s *Sequencer) Applied() uint64 {
	return s.applied
}
