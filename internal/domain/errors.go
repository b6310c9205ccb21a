package domain

import "errors"

var (
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrProviderNotFound   = errors.New("provider not configured")
	ErrInvalidSettings    = errors.New("invalid settings")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNotFound           = errors.New("not found")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)
