// File: api/schemas/interfaces.go
// Description: Contracts the orchestration core requires from its transport
// collaborators. The core is injected with implementations (internal/tcp in
// production), keeping it decoupled and testable without real sockets.

package schemas

// StringListener accepts newline-delimited text payloads on a TCP port and
// hands each one to the callback supplied at construction. Port 0 at
// construction means "bind any free port"; Port reports the bound value.
type StringListener interface {
	// Port returns the actually-bound listen port.
	Port() int

	// Record starts appending every received payload to a file sink.
	Record(path string) error

	// RecordMessage writes one extra entry to the sink, used to forward
	// a final reward that arrived on the control stream.
	RecordMessage(msg TimestampedString)

	// StopRecording flushes and closes the sink, if any.
	StopRecording()

	// Close stops accepting, joins the reader goroutines, and releases
	// the port. No callback fires after Close returns.
	Close() error
}

// VideoListener is the StringListener variant for fixed-geometry binary
// frames.
type VideoListener interface {
	Port() int
	Width() int
	Height() int
	Channels() int
	StartRecording(path string) error
	StopRecording()
	Close() error
}

// CommandConnection is the persistent point-to-point outbound channel to
// the executor's command port.
type CommandConnection interface {
	// Send transmits one command line. It must be bounded: a stuck peer
	// results in an error, never an indefinite block.
	Send(text string) error
	Close() error
}
