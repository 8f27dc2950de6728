package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// ErrDataInsufficient is returned when a computation lacks the minimum
	// sample it needs. It is never fatal.
	ErrDataInsufficient = errors.New("insufficient data")
	// ErrConfigInvalid marks a configuration that must stop the process
	// before the run loop starts.
	ErrConfigInvalid = errors.New("invalid configuration")
	// ErrSignalTerminal is returned when a transition is attempted on a
	// signal that already reached executed, expired or rejected.
	ErrSignalTerminal = errors.New("signal already in terminal state")
	ErrInvalidAddress = errors.New("invalid counterparty address")
	ErrStrategyFault  = errors.New("strategy fault")
	ErrDuplicate      = errors.New("duplicate request")
)
