// Package gps owns the serial link to a u-blox receiver.
//
// A single owner goroutine (Service.Run) reads NMEA position and velocity
// sentences into a shared Fix and, between reads, services queued UBX
// configuration requests: query_rate, set_rate and factory_reset. Readers
// take lock-free snapshots of the Fix.
package gps
