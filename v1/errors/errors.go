// Package errors defines the error taxonomy shared by every go-claim package.
// Errors are sentinels and are matched with errors.Is; components wrap them
// with additional context.
package errors

import "errors"

var (
	// ErrClaimFailure reports a transient failure creating a lock artifact.
	// The work was not started and the call is safe to retry.
	ErrClaimFailure = errors.New("claim: could not create lock artifact")
	// ErrBusy reports that another owner holds an unexpired lease on the key.
	ErrBusy = errors.New("claim: key is busy")
	// ErrLeaseLost reports that another claimant reclaimed the key after the
	// lease expired. The current work must stop.
	ErrLeaseLost = errors.New("claim: lease lost")
	// ErrWaitTimeout reports that a caller's bounded wait elapsed before a
	// terminal record appeared. It is local to that caller.
	ErrWaitTimeout = errors.New("claim: wait timeout")
	// ErrSubscriptionExpired reports that no information is available for the
	// key anymore. The caller should acquire again.
	ErrSubscriptionExpired = errors.New("claim: subscription expired")
	// ErrCanceled reports that the owner's caller canceled the work.
	ErrCanceled = errors.New("claim: canceled by owner")
	// ErrInvalidTTL is returned when a non-positive lease TTL is provided.
	ErrInvalidTTL = errors.New("claim: lease ttl must be positive")
)
