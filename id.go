package troupe

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a UUIDv7 string. V7 IDs sort by creation time, which keeps
// tasks, steps, and memory items naturally ordered in storage.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix milliseconds. Task, step, and
// event timestamps use millisecond precision throughout.
func NowUnix() int64 {
	return time.Now().UnixMilli()
}
