package obs

// Publisher receives lifecycle events (request_proxy, start_proxy, ...).
// Implementations must not block the caller and must not panic.
type Publisher interface {
	Publish(event string, f Fields)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, Fields) {}

// NopPublisher discards every event.
var NopPublisher Publisher = nopPublisher{}

// LogPublisher writes events as debug log lines.
type LogPublisher struct{}

func (LogPublisher) Publish(event string, f Fields) {
	out := Fields{"event": event}
	for k, v := range f {
		out[k] = v
	}
	Debug("bus.event", out)
}

// Multi fans an event out to every non-nil publisher in order.
type Multi []Publisher

func (m Multi) Publish(event string, f Fields) {
	for _, p := range m {
		if p != nil {
			p.Publish(event, f)
		}
	}
}
