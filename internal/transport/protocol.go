package transport

import (
	"github.com/hongjun500/whiteboard-go/internal/protocol"
)

// Protocol is a pluggable request/reply protocol attached to an Endpoint.
// An endpoint routes every envelope whose event is listed in Events() to
// Handle; handlers run on the endpoint's read loop, one at a time.
type Protocol interface {
	// Name 协议名，同一个 Endpoint 上唯一
	Name() string
	// Events 该协议拥有的事件名
	Events() []string
	// Start is called once after the protocol is attached.
	Start() error
	// Handle returns ErrProtocolViolation (or a Violation) to fail the connection.
	Handle(env *protocol.Envelope) error
	// Stop cancels timers; it must not block on the read loop.
	Stop()
}

// Manager receives the lifecycle signals of the endpoints it owns.
// Every call is made at most once per endpoint except SessionStarted /
// SessionStopped, and none of them is made while an endpoint lock is held.
type Manager interface {
	EndpointReady(e *Endpoint)
	EndpointClosed(e *Endpoint)
	EndpointDisconnectedAbruptly(e *Endpoint)
	EndpointSentInvalidMessage(e *Endpoint, err error)
	EndpointTimedOut(e *Endpoint, p Protocol)
	ProtocolViolation(e *Endpoint, p Protocol, err error)
	SessionStarted(e *Endpoint)
	SessionStopped(e *Endpoint)
	// ProtocolRequested is asked for an event no attached protocol owns.
	// Returning nil rejects the event as an invalid message.
	ProtocolRequested(e *Endpoint, event string) Protocol
}

// NopManager ignores every signal; embed it to implement only a few.
type NopManager struct{}

func (NopManager) EndpointReady(*Endpoint)                      {}
func (NopManager) EndpointClosed(*Endpoint)                     {}
func (NopManager) EndpointDisconnectedAbruptly(*Endpoint)       {}
func (NopManager) EndpointSentInvalidMessage(*Endpoint, error)  {}
func (NopManager) EndpointTimedOut(*Endpoint, Protocol)         {}
func (NopManager) ProtocolViolation(*Endpoint, Protocol, error) {}
func (NopManager) SessionStarted(*Endpoint)                     {}
func (NopManager) SessionStopped(*Endpoint)                     {}
func (NopManager) ProtocolRequested(*Endpoint, string) Protocol { return nil }
