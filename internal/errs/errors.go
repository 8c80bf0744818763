// Package errs defines the error kinds the core distinguishes (spec §7).
// Callers use errors.Is against these sentinels to apply the policy table
// from spec §7 without string-matching error text.
package errs

import "errors"

var (
	// ErrBindFailed means a listener (WS or UDP) could not be bound.
	// Policy: fatal to the owning component; WS bind failure also flips
	// the server offline.
	ErrBindFailed = errors.New("bind failed")

	// ErrParse means a frame failed to decode as JSON or as its expected
	// payload shape. Policy: drop the single frame silently, keep the
	// session open.
	ErrParse = errors.New("parse error")

	// ErrAuthFailed means a register frame presented a secret that does
	// not match the current pair token. Policy: reply with an error frame
	// and close the connection.
	ErrAuthFailed = errors.New("invalid shared secret")

	// ErrInvalidCommand means a control-surface command was called with
	// arguments that fail validation (empty agent list, unsupported task
	// kind). Policy: return the error to the caller, no state mutation.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrIO means a send or receive on an agent socket failed. Policy:
	// end that session; does not affect any other session.
	ErrIO = errors.New("io error")

	// ErrUnknownAgent means an operation referenced an agent-id with no
	// device record. Policy: noop — log and ignore, never panic.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrUnknownTask means an operation referenced a task-id with no task
	// record. Policy: noop — log and ignore, never panic.
	ErrUnknownTask = errors.New("unknown task")
)
