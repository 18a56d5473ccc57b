// Package gather defines the interface shared by data gathering jobs.
package gather

import "context"

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one gathering pass and returns when it is done, fails, or
	// ctx is cancelled.
	Run(ctx context.Context) error
}
