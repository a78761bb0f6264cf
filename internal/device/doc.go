// Package device holds the shared BLE domain model: the known-device entry,
// connection states, the error taxonomy every layer reports through, UUID
// validation and decoding of well-known GATT descriptor values.
package device
