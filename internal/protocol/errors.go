package protocol

import "errors"

// ErrMalformedEnvelope reports wire data whose structure cannot be recognised.
// It is fatal to the connection that produced it, never to the process.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ErrNoHandler is returned by Router.Dispatch for an event nobody registered.
var ErrNoHandler = errors.New("no handler registered")
