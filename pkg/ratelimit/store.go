// Package ratelimit provides injected rate-limiter stores with a defined
// expiry policy, replacing ad-hoc module-level counter maps. Two backends:
// an atomic Redis token bucket for multi-process deployments and an
// in-memory x/time bucket for single-node use.
package ratelimit

import "context"

// Policy configures a token bucket.
type Policy struct {
	// RPM is the sustained request rate per minute.
	RPM int
	// Burst is the bucket capacity.
	Burst int
}

// Store checks and consumes rate-limit tokens for an actor.
type Store interface {
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}
