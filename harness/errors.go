package harness

import (
	"fmt"
	"time"
)

// MismatchError is returned when an exposed counter disagrees with the reference
// on an accepted cycle. The run stops at the first one.
type MismatchError struct {
	Counter string        // "row" or "col".
	Got     int           // Value read from the circuit.
	Want    int           // Reference value.
	Frame   int           // Zero based frame being injected.
	Cycle   uint64        // Zero based accepted cycle since reset.
	Time    time.Duration // Simulated time of the edge.
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: got %d, expected %d (frame %d, accepted cycle %d, %v)", e.Counter, e.Got, e.Want, e.Frame, e.Cycle, e.Time)
}
