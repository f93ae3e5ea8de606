// Package engine implements the core of the daemon: session handling,
// authorization, resource accounting, VM lifecycle, and fan-out of
// console/log/statistics events to subscribers.
package engine

import "errors"

// The five error kinds the engine distinguishes. Handlers wrap one of
// these with fmt.Errorf("...: %w", ErrX) so callers can branch with
// errors.Is without string matching, while the message text still
// carries the human-readable detail used in fail() replies.
var (
	ErrFraming       = errors.New("framing error")
	ErrCryptographic = errors.New("cryptographic error")
	ErrPolicy        = errors.New("policy error")
	ErrConflict      = errors.New("conflict error")
	ErrRuntime       = errors.New("runtime error")
)

// Sentinel messages returned in failure replies; kept as constants so
// tests and handlers agree on exact wording.
const (
	MsgNoSuchVM              = "no such vm"
	MsgAlreadyExists         = "already exists"
	MsgStatisticsUnavailable = "statistics unavailable"
	MsgStaleRevocationList   = "stale revocation list"
)
