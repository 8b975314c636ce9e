package ids

import (
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Cycle returns a time-sortable identifier for an ingestion cycle.
func Cycle() string {
	return ksuid.New().String()
}

// FileName returns a random name used for discarded files and videos.
func FileName() string {
	return uuid.NewString()
}
