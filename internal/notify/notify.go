// Package notify posts task lifecycle notifications to an external channel.
package notify

import "context"

// Notifier delivers a short human-readable message. Implementations must
// tolerate being called from worker goroutines.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Noop discards notifications; the default when no channel is configured.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }
