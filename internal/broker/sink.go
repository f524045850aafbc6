package broker

import "github.com/adred-codev/pubsub-ws/internal/protocol"

// Sink is the transport-facing side of the session that owns a subscriber.
// The core uses it for out-of-band frames (errors, shutdown notices) and to
// request transport closes; regular event delivery goes through the
// subscriber queue instead.
//
// Implementations must be safe for concurrent use and must tolerate calls
// on an already-closed transport (return an error, never panic). Every call
// made from inside the core is best-effort: errors are logged and ignored.
type Sink interface {
	SendError(requestID, code, message string) error
	SendInfo(msg, topic string) error
	Close(status protocol.CloseStatus, reason string) error
}
