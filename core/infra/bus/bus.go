package bus

import "github.com/taskloom/taskloom/core/protocol/wire"

// Bus abstracts the message transport so the engine, workers, and gateway
// stay decoupled from the concrete broker. Delivery is at-least-once with no
// cross-subject ordering guarantee; consumers must tolerate duplicates.
//
// A handler returning nil acknowledges the delivery. A handler returning an
// error wrapped by RetryAfter negatively acknowledges it with the requested
// redelivery delay; any other error is logged and acknowledged so a poison
// message cannot wedge a queue.
type Bus interface {
	Publish(subject string, env *wire.Envelope) error
	Subscribe(subject, queue string, handler func(*wire.Envelope) error) error
}
