// Package telephony is the gateway boundary for placing, polling, and
// canceling emergency voice calls. The orchestrator depends only on the
// Gateway interface; the Twilio client is one implementation.
package telephony

import (
	"context"

	"github.com/lifeline-lk/dispatch/internal/model"
)

// Handle is an opaque gateway call identifier.
type Handle string

// Payload carries what the answering service should hear.
type Payload struct {
	Category    model.Category
	Message     string
	Language    string
	ContactName string
}

// Gateway places calls to a destination number and reports on them.
// Cancel must be idempotent on calls that are already terminal.
type Gateway interface {
	Place(ctx context.Context, destination string, payload Payload) (Handle, error)
	Status(ctx context.Context, handle Handle) (model.CallStatus, error)
	Cancel(ctx context.Context, handle Handle) error
}
