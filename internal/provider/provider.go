// Package provider defines the interface for delivery backends that
// receive decoded messages from the delivery queue.
package provider

import (
	"context"

	"github.com/shineum/smtp-receiver-lite/internal/email"
)

// Provider is the interface that delivery backends must implement.
// Each provider takes ownership of a received message once Send returns
// nil (print it, keep it in memory, store it, forward it).
type Provider interface {
	// Send hands a received message to this provider.
	// It returns an error if the message could not be accepted.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
