package collab

import "time"

// Clock abstracts wall time so lease expiry is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the Clock used outside of tests.
var SystemClock Clock = systemClock{}
