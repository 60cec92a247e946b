/**
 * @description
 * Shared sentinel errors for the data access layer. Services compare against
 * these with errors.Is rather than inspecting SQL error strings.
 */
package store

import "errors"

var (
	// ErrSubscriptionNotFound means no subscription row exists for the user.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrNoActiveSubscription means usage cannot be recorded because the
	// user's subscription does not grant access.
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrStaleEvent means a conditional write lost to a newer provider event
	// or to a terminal canceled state. Not a failure; the caller drops the
	// update.
	ErrStaleEvent = errors.New("stale subscription event")
)
