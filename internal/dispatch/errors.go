package dispatch

import "errors"

var (
	// ErrPermanent marks a send the provider will keep rejecting.
	ErrPermanent = errors.New("permanent delivery failure")
	// ErrTransient marks a send worth another attempt.
	ErrTransient = errors.New("transient delivery failure")
	// ErrInvalidCampaign is returned for campaign requests that cannot be
	// dispatched as given.
	ErrInvalidCampaign = errors.New("invalid campaign")
	// ErrStopped is returned once the dispatcher no longer accepts work.
	ErrStopped = errors.New("dispatcher stopped")

	errSkip      = errors.New("nothing to send")
	errQueueFull = errors.New("dispatch queue full")
)
