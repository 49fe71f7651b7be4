package uart

// ConnID is an opaque transport-level connection identifier.
type ConnID uint16

// InvalidConn marks a connection context with no live connection.
const InvalidConn ConnID = 0xFFFF

// AttrHandle is the numeric address of a remote attribute exposed by the peer.
type AttrHandle uint16

// InvalidAttrHandle marks a handle that discovery has not resolved.
const InvalidAttrHandle AttrHandle = 0x0000

// MaxWriteLen is the transport's single-packet write limit. Payloads longer
// than this are rejected with ErrInvalidArgument; callers must chunk.
const MaxWriteLen = 20

// WriteMode selects how a write request is issued to the transport.
type WriteMode uint8

const (
	// WriteAcknowledged issues a write request and waits for the peer's
	// write response. This is the only mode the queue uses: the response is
	// the completion signal that advances it.
	WriteAcknowledged WriteMode = iota

	// WriteUnacknowledged issues a write command with no response. Reserved
	// for transports that synthesize their own completion signal.
	WriteUnacknowledged
)

type requestKind uint8

const (
	readRequest requestKind = iota
	writeRequest
)

func (k requestKind) String() string {
	if k == readRequest {
		return "read"
	}
	return "write"
}

// txRequest is one slot of the request queue. The payload is a fixed-size
// array so the queue's backing storage never grows or aliases caller memory.
type txRequest struct {
	kind       requestKind
	conn       ConnID
	handle     AttrHandle
	mode       WriteMode
	payloadLen uint8
	payload    [MaxWriteLen]byte
}

func newReadRequest(conn ConnID, handle AttrHandle) txRequest {
	return txRequest{kind: readRequest, conn: conn, handle: handle}
}

func newWriteRequest(conn ConnID, handle AttrHandle, payload []byte, mode WriteMode) (txRequest, error) {
	if len(payload) == 0 || len(payload) > MaxWriteLen {
		return txRequest{}, ErrInvalidArgument
	}
	r := txRequest{
		kind:       writeRequest,
		conn:       conn,
		handle:     handle,
		mode:       mode,
		payloadLen: uint8(len(payload)),
	}
	copy(r.payload[:], payload)
	return r, nil
}

// bytes returns the stored payload. The slice aliases the queue slot and is
// only valid until the slot is reused.
func (r *txRequest) bytes() []byte {
	return r.payload[:r.payloadLen]
}
