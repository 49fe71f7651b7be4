package uart

// EventType discriminates the events delivered to the application callback.
type EventType int

const (
	// EventDiscoveryComplete fires once per connection after a discovery
	// report matched the target service identity and the handle table was
	// populated. The byte stream is usable from this point.
	EventDiscoveryComplete EventType = iota

	// EventDataReceived carries inbound bytes pushed by the peer on the
	// subscribed notification characteristic. Data is an owned copy.
	EventDataReceived

	// EventReadResult carries the payload of a completed read request.
	EventReadResult

	// EventSubscribed fires when the subscription-control write completes
	// and notifications are live.
	EventSubscribed

	// EventRequestFailed reports a queued request retired by a fatal
	// transport error. Err holds a *RequestError.
	EventRequestFailed

	// EventDisconnected reports that the connection dropped. Cached handles
	// are invalid; queued requests are retained for reconnect.
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventDiscoveryComplete:
		return "discovery-complete"
	case EventDataReceived:
		return "data-received"
	case EventReadResult:
		return "read-result"
	case EventSubscribed:
		return "subscribed"
	case EventRequestFailed:
		return "request-failed"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is the single notification type delivered to the application.
// Which fields are set depends on Type.
type Event struct {
	Type   EventType
	Conn   ConnID
	Handle AttrHandle // source attribute for DataReceived/ReadResult
	Data   []byte     // owned by the receiver, safe to retain
	Err    error      // set for EventRequestFailed
}

// EventHandler receives driver events. Handlers run on the transport's
// signal context and must not block; they may call back into the Client
// (the event is emitted outside the queue's exclusive region).
type EventHandler func(Event)
