package domain

import "errors"

var (
	ErrNoCredentials      = errors.New("no active credentials configured")
	ErrStoreUnavailable   = errors.New("credential store unavailable")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCallerKeyNotFound  = errors.New("caller key not found")
	ErrQueueFull          = errors.New("overflow queue full")
	ErrDeferTimeout       = errors.New("timed out waiting for deferred result")
	ErrExhausted          = errors.New("all credentials exhausted")
)
