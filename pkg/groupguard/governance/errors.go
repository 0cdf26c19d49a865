package governance

import "errors"

// Errors.
var (
	// ErrMetadataFetch means the gateway failed to return group metadata.
	// Enforcement of the triggering event is abandoned, not retried.
	ErrMetadataFetch = errors.New("group metadata fetch failed")

	// ErrRateLimited means the gateway throttled a mutating call.
	ErrRateLimited = errors.New("rate limited")

	// ErrOperationFailed covers any other failed mutation.
	ErrOperationFailed = errors.New("operation failed")

	// ErrParticipantRejected means the gateway answered but refused the
	// change for one participant (privacy settings, not a member). It is
	// always wrapped together with ErrOperationFailed.
	ErrParticipantRejected = errors.New("participant rejected")

	// ErrInvalidEvent means an event violated its invariants.
	ErrInvalidEvent = errors.New("invalid membership event")

	// ErrBotNotAdmin means the bot lacks admin rights in the group.
	ErrBotNotAdmin = errors.New("bot is not a group admin")

	// ErrCircuitOpen means the gateway breaker rejected the call.
	ErrCircuitOpen = errors.New("gateway circuit open")
)
