package protocol

// Envelope is one discrete unit exchanged over a connection: an event name
// plus its string arguments. Arguments are opaque to the transport; board
// payloads such as "host:port:boardid%version%paths" are parsed by the
// layers that own them.
type Envelope struct {
	Event string   `json:"event"`
	Args  []string `json:"args,omitempty"`
}

// NewEnvelope builds an envelope for event with the given arguments.
func NewEnvelope(event string, args ...string) *Envelope {
	return &Envelope{Event: event, Args: args}
}

// Arg returns the i-th argument or "" when it is absent.
func (e *Envelope) Arg(i int) string {
	if e == nil || i < 0 || i >= len(e.Args) {
		return ""
	}
	return e.Args[i]
}
