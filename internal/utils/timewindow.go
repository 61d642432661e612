package utils

import (
	"math/rand/v2"
	"time"
)

// DefaultWindow is the symmetric window used to decide whether a scheduled
// instant counts as "now". The reconciliation engine runs roughly once a
// minute, so ±2 minutes guarantees a scheduled full resync is not skipped
// between two invocations.
const DefaultWindow = 2 * time.Minute

// ElapsedMinutesGreaterThan reports whether more than m minutes have passed
// between ts and now. A nil timestamp always reports false.
func ElapsedMinutesGreaterThan(ts *time.Time, now time.Time, m int) bool {
	if ts == nil {
		return false
	}
	return now.Sub(*ts) > time.Duration(m)*time.Minute
}

// ElapsedMinutesLessThan reports whether fewer than m minutes have passed
// between ts and now. A nil timestamp always reports false.
func ElapsedMinutesLessThan(ts *time.Time, now time.Time, m int) bool {
	if ts == nil {
		return false
	}
	return now.Sub(*ts) < time.Duration(m)*time.Minute
}

// ElapsedHoursGreaterThan reports whether more than h hours have passed
// between ts and now. A nil timestamp always reports false.
func ElapsedHoursGreaterThan(ts *time.Time, now time.Time, h int) bool {
	if ts == nil {
		return false
	}
	return now.Sub(*ts) > time.Duration(h)*time.Hour
}

// ElapsedDaysGreaterThan reports whether more than d days have passed
// between ts and now. A nil timestamp always reports false.
func ElapsedDaysGreaterThan(ts *time.Time, now time.Time, d int) bool {
	if ts == nil {
		return false
	}
	return now.Sub(*ts) > time.Duration(d)*24*time.Hour
}

// IsWithinWindow reports whether ts falls inside the symmetric window
// around now, i.e. now-window <= ts <= now+window.
func IsWithinWindow(ts time.Time, now time.Time, window time.Duration) bool {
	if ts.IsZero() {
		return false
	}
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}

// RandomTimeWithinNextDay returns a uniformly random instant within the
// calendar day following base. Spreading the next full-resync time across
// the day keeps independently deployed instances from hitting the upstream
// API in lockstep.
func RandomTimeWithinNextDay(base time.Time) time.Time {
	startOfNextDay := time.Date(base.Year(), base.Month(), base.Day(), 0, 0, 0, 0, base.Location()).AddDate(0, 0, 1)
	offset := time.Duration(rand.Int64N(int64(24 * time.Hour)))
	return startOfNextDay.Add(offset)
}
