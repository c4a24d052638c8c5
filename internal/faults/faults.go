// Package faults defines the error classes used across the StellarOps
// backend. Every caller-visible failure belongs to exactly one class so the
// HTTP and WebSocket layers can map errors to wire-stable reason strings
// without matching on message text.
package faults

import "github.com/zeebo/errs"

// Error classes. The class text doubles as the wire-level reason string.
var (
	NotFound        = errs.Class("not_found")
	InvalidStatus   = errs.Class("invalid_status")
	Validation      = errs.Class("validation")
	Transient       = errs.Class("transient")
	Timeout         = errs.Class("timeout")
	CircuitOpen     = errs.Class("circuit_open")
	NoGroundStation = errs.Class("no_ground_station")
	ParseError      = errs.Class("parse_error")
	AlreadyExists   = errs.Class("already_exists")
	Exception       = errs.Class("exception")
)

// classes in precedence order for Kind lookups. Timeout is checked before
// Transient so a wrapped timeout keeps its more specific reason.
var classes = []*errs.Class{
	&NotFound,
	&InvalidStatus,
	&Validation,
	&Timeout,
	&CircuitOpen,
	&NoGroundStation,
	&ParseError,
	&AlreadyExists,
	&Transient,
	&Exception,
}

// Kind returns the reason string for err, or "exception" when err belongs
// to no known class. A nil error has no kind and returns "".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range classes {
		if c.Has(err) {
			return string(*c)
		}
	}
	return string(Exception)
}

// Is reports whether err belongs to the given class.
func Is(err error, class errs.Class) bool {
	return err != nil && class.Has(err)
}

// Trips reports whether err should count as a failure for a circuit
// breaker: timeouts, transient transport errors, and uncaught exceptions
// trip; everything else passes through without affecting the window.
func Trips(err error) bool {
	if err == nil {
		return false
	}
	if Timeout.Has(err) || Transient.Has(err) {
		return true
	}
	// Errors from no known class are treated as exceptions, which always trip.
	for _, c := range classes {
		if c.Has(err) {
			return Exception.Has(err)
		}
	}
	return true
}
