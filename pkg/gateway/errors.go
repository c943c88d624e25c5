package gateway

import "errors"

var (
	ErrDraining       = errors.New("gateway: node is draining")
	ErrTooManyClients = errors.New("gateway: connection limit reached")

	// ErrUnauthorized is what AuthFunc implementations should return for a
	// bad token.
	ErrUnauthorized = errors.New("gateway: authentication failed")
)
