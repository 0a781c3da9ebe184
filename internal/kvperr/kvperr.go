// Package kvperr defines the error kinds shared by the KVP message bridge.
//
// Errors are plain sentinels. Callers wrap them with fmt.Errorf("...: %w")
// and test for them with errors.Is.
//
// Kinds and their handling policy:
//
//	ErrInvalidArgument        rejected at the call site, no channel effect
//	ErrChannelWriteFailed     propagated to Send, message considered unsent
//	ErrMalformedKey           key ignored silently by the reassembler
//	ErrInconsistentPartTotal  logged, conflicting entry ignored
//	ErrIncompletePartSet      not an error for Poll, retried on the next pass
//	ErrPartReadFailure        logged, result dropped for this pass
//	ErrNotFound               ReadEntry on an absent key
//	ErrChannelUnavailable     channel wholly unusable, fails Send/Poll
//	ErrRequestTimeout         correlation wait expired
package kvperr

import "errors"

var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrChannelWriteFailed    = errors.New("channel write failed")
	ErrMalformedKey          = errors.New("malformed key")
	ErrInconsistentPartTotal = errors.New("inconsistent part total")
	ErrIncompletePartSet     = errors.New("incomplete part set")
	ErrPartReadFailure       = errors.New("part read failure")
	ErrNotFound              = errors.New("entry not found")
	ErrChannelUnavailable    = errors.New("channel unavailable")
	ErrRequestTimeout        = errors.New("request timed out")
)
