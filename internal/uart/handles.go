package uart

import "fmt"

// Role names a logical attribute the driver needs on the peer, independent
// of the handle values a particular peer assigns.
type Role int

const (
	// RoleNotifyValue is the characteristic the peer pushes inbound bytes on.
	RoleNotifyValue Role = iota
	// RoleNotifyCCCD is the subscription-control descriptor written to
	// enable or disable those notifications.
	RoleNotifyCCCD
	// RoleWriteValue is the characteristic outbound bytes are written to.
	RoleWriteValue
)

func (r Role) String() string {
	switch r {
	case RoleNotifyValue:
		return "notify-value"
	case RoleNotifyCCCD:
		return "notify-cccd"
	case RoleWriteValue:
		return "write-value"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// handleTable maps logical roles to the attribute handles discovery found on
// the peer. It is populated exactly once per successful discovery matching
// the expected service identity, read by the dispatch path, and reset to
// invalid on disconnect. No retry, no other mutation.
type handleTable struct {
	notifyValue AttrHandle
	notifyCCCD  AttrHandle
	writeValue  AttrHandle
}

func (t *handleTable) reset() {
	t.notifyValue = InvalidAttrHandle
	t.notifyCCCD = InvalidAttrHandle
	t.writeValue = InvalidAttrHandle
}

func (t *handleTable) resolve(role Role) (AttrHandle, error) {
	var h AttrHandle
	switch role {
	case RoleNotifyValue:
		h = t.notifyValue
	case RoleNotifyCCCD:
		h = t.notifyCCCD
	case RoleWriteValue:
		h = t.writeValue
	default:
		return InvalidAttrHandle, fmt.Errorf("%w: unknown role %v", ErrInvalidArgument, role)
	}
	if h == InvalidAttrHandle {
		return InvalidAttrHandle, fmt.Errorf("%w: %v handle not resolved", ErrNotFound, role)
	}
	return h, nil
}

// resolved reports whether the table holds everything the driver needs to
// run the byte stream: a write target and a notification source with its
// subscription control.
func (t *handleTable) resolved() bool {
	return t.notifyValue != InvalidAttrHandle &&
		t.notifyCCCD != InvalidAttrHandle &&
		t.writeValue != InvalidAttrHandle
}
