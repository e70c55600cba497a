// Package sample defines the immutable acquisition record shared by the
// manager, the exporters, and every live consumer.
package sample

// Sample is one acquisition result.  It is created by the acquisition
// manager on every successful hardware read and never mutated afterwards;
// consumers receive it by value.
type Sample struct {
	// Seq increases strictly monotonically for the life of an acquisition
	// run, with no gaps.
	Seq uint64

	// T is the monotonic time of capture in seconds since the run started.
	T float64

	// Codes holds the raw signed 24-bit ADC codes, one per channel.
	Codes []int32

	// Volts holds the converted per-channel voltages.  The conversion is
	// performed by the manager at capture time with the gains then in
	// force, so the values stay correct no matter when they are consumed.
	Volts []float64

	// Field holds the per-channel field strengths in V/m, the voltages
	// scaled by the probe calibration factor in force at capture.
	Field []float64

	// Segment and ActiveLine annotate the sample with the motion
	// collaborator's current trajectory segment, when one is attached.
	Segment    string
	ActiveLine bool

	// FirstAfterResume marks the first sample captured after a
	// pause/apply/resume cycle; the wall-clock spacing to its predecessor
	// is not representative.
	FirstAfterResume bool
}
