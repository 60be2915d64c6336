// Package timeconv converts browser-native history timestamps to and from
// canonical unix milliseconds.
//
// Each browser family stores visit times in its own epoch and unit:
//
//	chromium (chrome/edge/brave/arc): microseconds since 1601-01-01
//	firefox:                          microseconds since 1970-01-01
//	safari:                           float seconds since 2001-01-01
//
// Chromium and firefox conversions use pure int64 arithmetic. A modern
// chromium timestamp (~1.3e16 µs) exceeds float64's exact integer range,
// so going through floating point silently corrupts the low digits and
// breaks checkpoint comparisons. Safari timestamps are float in the source
// database, so float arithmetic is acceptable there.
package timeconv

import (
	"math"
	"time"
)

// Browser identifies a history source's browser family.
type Browser string

const (
	Chrome   Browser = "chrome"
	Chromium Browser = "chromium"
	Edge     Browser = "edge"
	Brave    Browser = "brave"
	Arc      Browser = "arc"
	Vivaldi  Browser = "vivaldi"
	Opera    Browser = "opera"
	Firefox  Browser = "firefox"
	Safari   Browser = "safari"
)

// chromiumEpochOffsetMicros is the distance between the Windows FILETIME
// epoch (1601-01-01) and the unix epoch, in microseconds.
const chromiumEpochOffsetMicros int64 = 11_644_473_600_000_000

// safariEpochOffsetSec is the Core Foundation epoch (2001-01-01) expressed
// as unix seconds.
const safariEpochOffsetSec float64 = 978_307_200

// MaxPlausibleUnixMs is the checkpoint sanity ceiling (2100-01-01 UTC).
// A stored checkpoint above this value can only be an un-converted native
// timestamp that leaked past the codec; trusting it would freeze all
// future incremental queries in the far future.
const MaxPlausibleUnixMs int64 = 4_102_444_800_000

// IsChromiumFamily reports whether b stores microseconds since 1601-01-01.
// Unknown browser kinds default to the chromium base, which covers the
// long tail of chromium derivatives.
func IsChromiumFamily(b Browser) bool {
	switch b {
	case Firefox, Safari:
		return false
	}
	return true
}

// ToUnixMs converts an integer native timestamp (chromium or firefox base)
// to unix milliseconds. A zero raw value decodes to the current time.
func ToUnixMs(raw int64, b Browser) int64 {
	if raw == 0 {
		return time.Now().UnixMilli()
	}
	switch b {
	case Firefox:
		return raw / 1000
	case Safari:
		// Safari timestamps are float in the source schema; integer input
		// here means whole seconds.
		return SafariToUnixMs(float64(raw))
	default:
		return (raw - chromiumEpochOffsetMicros) / 1000
	}
}

// FromUnixMs converts unix milliseconds to the integer native timestamp of
// b. Zero encodes to zero, so an empty checkpoint selects the full history.
func FromUnixMs(ms int64, b Browser) int64 {
	if ms == 0 {
		return 0
	}
	switch b {
	case Firefox:
		return ms * 1000
	case Safari:
		// Whole seconds only. Safari checkpoint bounds stay float64
		// through UnixMsToSafari; this integer form exists for the
		// browser-dispatch symmetry and rounds rather than truncates.
		return int64(math.Round(UnixMsToSafari(ms)))
	default:
		return ms*1000 + chromiumEpochOffsetMicros
	}
}

// SafariToUnixMs converts Core Foundation float seconds to unix
// milliseconds. Pure conversion: zero is the 2001-01-01 epoch itself,
// not a missing-value sentinel — that epoch is a legitimate unix-ms
// instant, and safari queries exclude missing rows in SQL. Only the
// integer decode path in ToUnixMs carries the zero-means-missing rule.
func SafariToUnixMs(sec float64) int64 {
	return int64(math.Round((sec + safariEpochOffsetSec) * 1000))
}

// UnixMsToSafari converts unix milliseconds to Core Foundation float
// seconds. A zero checkpoint encodes to zero, matching the integer
// bases: the query bound "> 0" still selects every real safari visit.
func UnixMsToSafari(ms int64) float64 {
	if ms == 0 {
		return 0
	}
	return float64(ms)/1000 - safariEpochOffsetSec
}

// SanitizeUnixMs validates a stored checkpoint value. Values above the
// plausibility ceiling or negative values are corrupt (an un-converted
// native timestamp) and reset to zero rather than trusted.
func SanitizeUnixMs(ms int64) int64 {
	if ms < 0 || ms > MaxPlausibleUnixMs {
		return 0
	}
	return ms
}
