package risk

import (
	"time"
)

// Session partitions the trading day: regular is 09:30-16:00 New York for
// equities, extended is everything else and all crypto.
type Session string

// Sessions.
const (
	SessionRegular  Session = "regular"
	SessionExtended Session = "extended"
)

// newYork is resolved once; the zoneinfo database ships with the Go
// toolchain via time/tzdata in cmd/engine, so LoadLocation cannot fail in a
// built binary.
var newYork = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("risk: load location " + name + ": " + err.Error())
	}
	return loc
}

// SessionFor classifies now. Crypto always trades extended. Equities are
// regular from 09:30:00 inclusive to 16:00:00 exclusive, New York wall
// clock, decided by real datetime comparison rather than hour arithmetic.
func SessionFor(now time.Time, isCrypto bool) Session {
	if isCrypto {
		return SessionExtended
	}
	ny := now.In(newYork)
	open := time.Date(ny.Year(), ny.Month(), ny.Day(), 9, 30, 0, 0, newYork)
	close := time.Date(ny.Year(), ny.Month(), ny.Day(), 16, 0, 0, 0, newYork)
	if !ny.Before(open) && ny.Before(close) {
		return SessionRegular
	}
	return SessionExtended
}

// minutesIntoRegularSession returns how far now is past the 09:30 open and
// how far before the 16:00 close, both in whole minutes; ok is false
// outside the regular session.
func minutesIntoRegularSession(now time.Time) (sinceOpen, untilClose int, ok bool) {
	ny := now.In(newYork)
	open := time.Date(ny.Year(), ny.Month(), ny.Day(), 9, 30, 0, 0, newYork)
	close := time.Date(ny.Year(), ny.Month(), ny.Day(), 16, 0, 0, 0, newYork)
	if ny.Before(open) || !ny.Before(close) {
		return 0, 0, false
	}
	return int(ny.Sub(open).Minutes()), int(close.Sub(ny).Minutes()), true
}
