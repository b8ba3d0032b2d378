// Package clock provides the monotonic time source and request-trace id
// generator threaded through the core instead of relying on package-level
// globals (time.Now, a shared id counter).
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock access so tests can inject a fake source
// instead of sleeping on real time.
type Clock interface {
	Now() time.Time
}

// System is the production Clock backed by time.Now.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// NewSystem returns the production Clock.
func NewSystem() Clock { return System{} }

// NowMillis returns c.Now() as milliseconds since the Unix epoch, the unit
// CacheEntry.insertedAt is stored and compared in.
func NowMillis(c Clock) int64 {
	return c.Now().UnixMilli()
}

// NewTraceID returns a request-trace identifier for logging and
// cross-component correlation. It has no bearing on cache keys.
func NewTraceID() string {
	return uuid.NewString()
}
