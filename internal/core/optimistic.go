package core

import "time"

// EnsureUnchanged compares the stored last-modified timestamp against the
// client-echoed one. Equal values (including both absent) pass; anything else
// means the record changed since the client last read it.
//
// PostgreSQL stores timestamptz at microsecond precision, so clients must
// echo back exactly what they were served; comparison uses time.Equal to be
// insensitive to wall-clock location.
func EnsureUnchanged(current time.Time, expected *time.Time) error {
	if expected == nil {
		if current.IsZero() {
			return nil
		}
		return Conflictf("record changed, reload and retry")
	}
	if current.Equal(*expected) {
		return nil
	}
	return Conflictf("record changed, reload and retry")
}
