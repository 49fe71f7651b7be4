// Package bleuuid provides UUID normalization helpers and the identity of
// the Nordic UART Service (NUS) profile this driver targets.
package bleuuid

import (
	"fmt"
	"strings"
)

// Nordic UART Service identity, normalized form (lowercase, no dashes).
// The peer exposes two characteristics on this service: the central writes
// outbound bytes to the RX characteristic and receives inbound bytes as
// notifications on the TX characteristic.
const (
	UARTService    = "6e400001b5a3f393e0a9e50e24dcca9e"
	UARTWriteChar  = "6e400002b5a3f393e0a9e50e24dcca9e" // peer RX: central -> peer
	UARTNotifyChar = "6e400003b5a3f393e0a9e50e24dcca9e" // peer TX: peer -> central

	// CCCD is the Client Characteristic Configuration descriptor that
	// controls notification delivery for a characteristic.
	CCCD = "2902"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID
// (0000xxxx-0000-1000-8000-00805f9b34fb) in normalized form.
const sigBaseSuffix = "00001000800000805f9b34fb"

// Normalize converts a UUID string to the internal BLE library format
// (lowercase, no dashes). Handles both standard UUID format (with dashes)
// and already normalized format (without dashes). Also strips a 0x prefix
// if present (e.g., "0x2902" -> "2902"). For full 128-bit UUIDs in the
// Bluetooth SIG base format, extracts the 16-bit short form.
func Normalize(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(uuid), "-", ""))
	u = strings.TrimPrefix(u, "0x")

	switch len(u) {
	case 4, 8:
		// already a short form
	case 32:
		if strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
			u = u[4:8]
		}
	default:
		if !isHex(u) {
			return ""
		}
	}
	if !isHex(u) {
		return ""
	}
	return u
}

// NormalizeAll normalizes a slice of UUID strings to internal format.
func NormalizeAll(uuids []string) []string {
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = Normalize(uuid)
	}
	return normalized
}

// Validate validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func Validate(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := Normalize(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// Shorten returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func Shorten(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// knownNames maps normalized UUIDs to human-readable names for display.
// Only the identifiers this driver actually encounters are listed; anything
// else resolves to the empty string.
var knownNames = map[string]string{
	UARTService:    "Nordic UART Service",
	UARTWriteChar:  "UART RX (write)",
	UARTNotifyChar: "UART TX (notify)",
	CCCD:           "Client Characteristic Configuration",
	"1800":         "Generic Access",
	"1801":         "Generic Attribute",
	"180a":         "Device Information",
	"180f":         "Battery Service",
	"2a00":         "Device Name",
}

// Lookup returns the known name for a UUID, or the empty string.
func Lookup(uuid string) string {
	return knownNames[Normalize(uuid)]
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
