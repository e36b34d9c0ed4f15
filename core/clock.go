package core

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CLOCK - Components never call time.Now directly
// =============================================================================

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the real time. Use at entry points only.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns T.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

// FuncClock wraps a function, for tests that move time forward.
type FuncClock func() time.Time

func (f FuncClock) Now() time.Time { return f() }

// =============================================================================
// IDS
// =============================================================================

// NewID returns a time-sortable UUIDv7 string.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
