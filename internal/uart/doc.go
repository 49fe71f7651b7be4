// Package uart implements the client side of a serial-over-BLE profile
// (Nordic UART Service). It owns the outbound request queue that serializes
// GATT reads and writes against a transport that accepts only one
// outstanding operation per connection, the handle table populated by
// service discovery, and the per-connection state machine that routes
// asynchronous transport signals to the application callback.
//
// The package is transport-agnostic: anything implementing Transport can
// drive it. A production adapter backed by go-ble lives in the goble
// subpackage; tests use an in-package fake.
package uart
