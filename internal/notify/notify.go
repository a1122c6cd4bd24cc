// Package notify delivers task messages to webhook-based chat groups.
//
// The scheduling core only sees the Sink interface; the webhook adapter
// carries whatever auth the transport needs (shared secret signature).
package notify

import (
	"context"
	"errors"
)

var ErrNoTarget = errors.New("notify: unknown target")

// Target is one webhook destination.
type Target struct {
	ID     string
	URL    string
	Secret string // HMAC-SHA256 key; empty disables signing
}

// Sink sends one message to one target. Implementations must be safe for
// concurrent use; the orchestrator calls Send from many firing goroutines.
type Sink interface {
	Send(ctx context.Context, target string, message string) error
}

// Targets resolves target IDs to webhook endpoints.
type Targets interface {
	Lookup(id string) (Target, bool)
}

// StaticTargets is a fixed target table (config-driven).
type StaticTargets map[string]Target

func (s StaticTargets) Lookup(id string) (Target, bool) {
	t, ok := s[id]
	return t, ok
}
