// Package device defines the transport abstraction the sensor session is written against.
//
// A Transport picks one peripheral matching a RequestOptions (name prefixes, services,
// accept-all). A Peripheral opens a Link; a Link exposes primary services, their
// characteristics, and a disconnect signal. The go-ble backend lives in the goble
// subpackage; the simulator and test fakes implement the same interfaces.
//
// Errors returned by implementations are mapped onto the sentinels in this package so
// callers can use errors.Is regardless of the backend.
package device
