package unlock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blelock/internal/ble"
)

// Warning reports a lock that still advertises itself open after its
// re-close window.
type Warning struct {
	Lock      ble.MAC
	AttemptID uuid.UUID
	Window    time.Duration
	At        time.Time
}

// Sink receives attempt results and warnings (journal, broker, metrics).
// Implementations must return promptly; ctx carries a short deadline.
type Sink interface {
	AttemptFinished(ctx context.Context, res Result) error
	LockLeftOpen(ctx context.Context, w Warning) error
}
