package backend

// BufferState tracks, per filter chain, whether a buffered source geometry
// was already materialized for the current distance. Later steps of the same
// chain reuse the materialized column instead of recomputing the buffer.
//
// Invariant: IsPreBuffered implies BufferColumn already holds the geometry
// buffered by PreviousBufferValue; reuse is legal only when the new distance
// equals BufferValue.
type BufferState struct {
	HasBuffer           bool
	BufferValue         float64
	IsPreBuffered       bool
	BufferColumn        string
	PreviousBufferValue float64
}

// ShouldReuse reports whether the existing state's buffered column may serve
// a step with the given distance. A nil (absent) state never allows reuse.
func ShouldReuse(existing *BufferState, value float64) bool {
	return existing != nil && existing.IsPreBuffered && existing.BufferValue == value
}

// Advance returns the state after a successful step that buffered by value
// into column. A zero value means the step ran unbuffered on the base
// column. The receiver may be nil (first step of a chain).
func (s *BufferState) Advance(value float64, column string) *BufferState {
	var prev float64
	if s != nil {
		prev = s.BufferValue
	}
	return &BufferState{
		HasBuffer:           value != 0,
		BufferValue:         value,
		IsPreBuffered:       value != 0,
		BufferColumn:        column,
		PreviousBufferValue: prev,
	}
}

// AdvanceInline returns the state after a step that buffered by value inline,
// inside the filter expression itself. Column still holds the base geometry,
// so the state never claims pre-buffering and later same-distance steps
// recompute instead of reusing.
func (s *BufferState) AdvanceInline(value float64, column string) *BufferState {
	next := s.Advance(value, column)
	next.IsPreBuffered = false
	return next
}
