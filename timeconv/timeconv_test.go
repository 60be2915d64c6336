package timeconv

import (
	"testing"
	"time"
)

func TestChromiumRoundTrip(t *testing.T) {
	// WHAT: FromUnixMs then ToUnixMs is the identity for the chromium base.
	// WHY: checkpoint comparisons happen in native units; any drift makes
	// the incremental query skip or re-read visits.
	cases := []int64{
		978_307_200_000,   // 2001-01-01
		1_356_998_400_000, // 2013-01-01
		1_700_000_000_123, // late 2023, sub-second component
		1_893_456_000_000, // 2030-01-01
	}
	for _, ms := range cases {
		raw := FromUnixMs(ms, Chrome)
		got := ToUnixMs(raw, Chrome)
		if got != ms {
			t.Errorf("chromium round-trip %d: got %d", ms, got)
		}
	}
}

func TestChromiumKnownValue(t *testing.T) {
	// WHAT: A known chromium timestamp converts to the expected unix-ms.
	// WHY: pins the 1601 epoch offset against off-by-a-constant regressions.
	// 13_300_000_000_000_000 µs since 1601 = 1_655_526_400_000 unix-ms.
	got := ToUnixMs(13_300_000_000_000_000, Chrome)
	want := int64(1_655_526_400_000)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestFirefoxRoundTrip(t *testing.T) {
	// WHAT: Firefox µs round-trips through unix-ms exactly.
	// WHY: same epoch, different unit; the divide must not lose the ms digit.
	for _, ms := range []int64{978_307_200_000, 1_700_000_000_999, 1_893_456_000_000} {
		if got := ToUnixMs(FromUnixMs(ms, Firefox), Firefox); got != ms {
			t.Errorf("firefox round-trip %d: got %d", ms, got)
		}
	}
}

func TestSafariRoundTrip(t *testing.T) {
	// WHAT: Safari float seconds round-trip exactly, 2001 epoch included.
	// WHY: the epoch encodes to raw 0.0; treating that as a missing-value
	// sentinel would decode a real visit instant to "now". Float
	// arithmetic is allowed for safari but the rounding must recover the
	// millisecond over the representable range.
	for _, ms := range []int64{978_307_200_000, 1_700_000_000_500, 1_700_000_000_999, 1_893_456_000_000} {
		if got := SafariToUnixMs(UnixMsToSafari(ms)); got != ms {
			t.Errorf("safari round-trip %d: got %d", ms, got)
		}
	}
}

func TestSafariEpochDecodesToEpoch(t *testing.T) {
	// WHAT: Core Foundation raw 0.0 decodes to 2001-01-01, not "now".
	// WHY: only the integer decode path treats zero as a missing
	// timestamp; the float codec must stay a pure conversion or safari
	// checkpoints saved at the epoch boundary jump into the future.
	if got := SafariToUnixMs(0); got != 978_307_200_000 {
		t.Errorf("SafariToUnixMs(0) = %d, want 978307200000", got)
	}
}

func TestSafariIntegerCodecRounds(t *testing.T) {
	// WHAT: the whole-second integer form rounds to the nearest second
	// instead of truncating toward the epoch.
	if got := FromUnixMs(978_307_201_600, Safari); got != 2 {
		t.Errorf("FromUnixMs = %d, want 2", got)
	}
}

func TestSafariKnownValue(t *testing.T) {
	// WHAT: Core Foundation zero+offset maps to the 2001 epoch.
	got := SafariToUnixMs(1.5)
	want := int64(978_307_201_500)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestZeroRawDecodesToNow(t *testing.T) {
	// WHAT: A missing native timestamp decodes to the current time.
	// WHY: rows without a visit time should sort as fresh, not as 1970.
	before := time.Now().UnixMilli()
	got := ToUnixMs(0, Chrome)
	after := time.Now().UnixMilli()
	if got < before || got > after {
		t.Errorf("zero raw decoded to %d, outside [%d,%d]", got, before, after)
	}
}

func TestZeroMsEncodesToZero(t *testing.T) {
	// WHAT: A zero checkpoint encodes to zero in every native base.
	// WHY: zero means "no checkpoint" — the query must select all history.
	for _, b := range []Browser{Chrome, Firefox} {
		if got := FromUnixMs(0, b); got != 0 {
			t.Errorf("%s: FromUnixMs(0) = %d, want 0", b, got)
		}
	}
	if got := UnixMsToSafari(0); got != 0 {
		t.Errorf("UnixMsToSafari(0) = %f, want 0", got)
	}
}

func TestSanitizeUnixMs(t *testing.T) {
	// WHAT: Values above the plausibility ceiling reset to zero.
	// WHY: an un-converted chromium µs value stored as a checkpoint would
	// otherwise silently stop all future mining ("stuck in the future").
	cases := []struct {
		in   int64
		want int64
	}{
		{1_700_000_000_000, 1_700_000_000_000},
		{13_300_000_000_000_000, 0}, // raw chromium µs leaked through
		{-5, 0},
		{MaxPlausibleUnixMs, MaxPlausibleUnixMs},
		{MaxPlausibleUnixMs + 1, 0},
	}
	for _, tc := range cases {
		if got := SanitizeUnixMs(tc.in); got != tc.want {
			t.Errorf("SanitizeUnixMs(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestUnknownKindUsesChromiumBase(t *testing.T) {
	// WHAT: Unknown browser kinds fall back to the chromium base.
	// WHY: most long-tail browsers are chromium derivatives with the same
	// history schema and epoch.
	ms := int64(1_700_000_000_000)
	if got := ToUnixMs(FromUnixMs(ms, Browser("sidekick")), Browser("sidekick")); got != ms {
		t.Errorf("unknown kind round-trip: got %d, want %d", got, ms)
	}
	if !IsChromiumFamily(Browser("sidekick")) {
		t.Error("unknown kind should report chromium family")
	}
	if IsChromiumFamily(Firefox) || IsChromiumFamily(Safari) {
		t.Error("firefox/safari must not report chromium family")
	}
}
