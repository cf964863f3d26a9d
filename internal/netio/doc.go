// Package netio implements the combined single-port OpenDMTP listener: a
// TCP accept loop for duplex (stream) sessions and a UDP receive loop for
// simplex (datagram) sessions, both driving dmtp.Session against the same
// port.
//
// Each accepted TCP connection and each received UDP datagram gets its own
// goroutine-owned dmtp.Session, matching the one-goroutine-per-session
// ownership model used throughout this module: no Session is ever touched
// from two goroutines at once.
package netio
