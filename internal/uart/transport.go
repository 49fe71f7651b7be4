package uart

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Transport is the single-outstanding-operation GATT transport the queue
// dispatches into. A nil return means the request was accepted and handed to
// the radio layer, NOT that it completed; the corresponding completion
// arrives later through the Handle* signals on the Client. ErrTransportBusy
// means a transient rejection (the queue retries the same request on the
// next trigger). Any other error is fatal for that request.
//
// Implementations must not block: both calls return as soon as the request
// is accepted or refused. Completion signals must not be delivered from
// inside Issue* — the queue's exclusive region is held across the call.
type Transport interface {
	IssueRead(conn ConnID, handle AttrHandle) error
	IssueWrite(conn ConnID, handle AttrHandle, payload []byte, mode WriteMode) error
}

// DiscoveredCharacteristic is one entry of a discovery report: a
// characteristic identity with the attribute handles the peer assigned.
type DiscoveredCharacteristic struct {
	UUID        string     // normalized characteristic UUID
	ValueHandle AttrHandle // the characteristic value attribute
	CCCDHandle  AttrHandle // subscription control descriptor, InvalidAttrHandle if absent
}

// DiscoveryReport is the one-shot result of the discovery walk for a single
// service, delivered by the discovery collaborator via HandleDiscovery.
// Characteristics preserve discovery order.
type DiscoveryReport struct {
	ServiceUUID     string
	Characteristics *orderedmap.OrderedMap[string, DiscoveredCharacteristic]
}

// NewDiscoveryReport creates an empty report for the given service.
func NewDiscoveryReport(serviceUUID string) *DiscoveryReport {
	return &DiscoveryReport{
		ServiceUUID:     serviceUUID,
		Characteristics: orderedmap.New[string, DiscoveredCharacteristic](),
	}
}

// Add records a discovered characteristic under its normalized UUID.
func (r *DiscoveryReport) Add(c DiscoveredCharacteristic) {
	r.Characteristics.Set(c.UUID, c)
}
