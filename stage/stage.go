// Package stage is the interface boundary to the motion collaborator.
//
// The acquisition core consumes motion information only to annotate
// samples; it never drives motion or derives acquisition timing from it.
// Homing, move sequencing and scan-path generation live on the other side
// of this boundary.
package stage

// Position is the probe location in bench coordinates, millimeters.
type Position struct {
	X, Y, Z float64
}

// SegmentUpdate announces that the trajectory entered a new labeled
// segment.  ActiveLine distinguishes measurement lines from transitions
// between them.
type SegmentUpdate struct {
	ID         string
	ActiveLine bool
}

// MotionPort is what the acquisition core needs from a motion system.
type MotionPort interface {
	// CurrentPosition reports the instantaneous probe position.
	CurrentPosition() (Position, error)

	// Segments yields segment-change notifications.  The channel is owned
	// by the implementation and closed when the port shuts down.
	Segments() <-chan SegmentUpdate
}

// Null is a MotionPort for benches without a stage attached.  It reports
// the origin and never announces a segment.
type Null struct{}

// CurrentPosition always returns the origin.
func (Null) CurrentPosition() (Position, error) { return Position{}, nil }

// Segments returns a nil channel; receiving from it blocks forever, which
// is the correct behavior for select-based consumers.
func (Null) Segments() <-chan SegmentUpdate { return nil }

// Script is a MotionPort fed by the caller, used in tests and simulations.
type Script struct {
	pos Position
	ch  chan SegmentUpdate
}

// NewScript creates a Script with room for buffered segment updates.
func NewScript() *Script {
	return &Script{ch: make(chan SegmentUpdate, 16)}
}

// MoveTo records a new position.
func (s *Script) MoveTo(p Position) { s.pos = p }

// Enter announces a segment change.
func (s *Script) Enter(id string, active bool) {
	s.ch <- SegmentUpdate{ID: id, ActiveLine: active}
}

// CurrentPosition reports the last recorded position.
func (s *Script) CurrentPosition() (Position, error) { return s.pos, nil }

// Segments yields the scripted updates.
func (s *Script) Segments() <-chan SegmentUpdate { return s.ch }
