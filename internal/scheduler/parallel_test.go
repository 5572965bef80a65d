package scheduler

import (
	"testing"
	"time"

	"github.com/haloruntime/halo/internal/models"
	"github.com/stretchr/testify/require"
)

func TestParseDurationClampsBelowMinimum(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"1s", MinEveryInterval},
		{"9s", MinEveryInterval},
		{"10s", 10 * time.Second},
		{"90s", 90 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"2d", 48 * time.Hour},
		{"1.5h", 90 * time.Minute},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		require.NoError(t, err)
		require.Equalf(t, c.want, got, "ParseDuration(%q)", c.in)
	}
}

func TestParseDurationRejectsNonPositive(t *testing.T) {
	_, err := ParseDuration("0s")
	require.Error(t, err)
	_, err = ParseDuration("-5s")
	require.Error(t, err)
	_, err = ParseDuration("not-a-duration")
	require.Error(t, err)
}

func TestParseDurationRejectsUnsupportedGrammar(t *testing.T) {
	for _, in := range []string{"300ms", "1h30m", "2us", "5ns", "1w", "5", "d", ""} {
		_, err := ParseDuration(in)
		require.Errorf(t, err, "ParseDuration(%q) should be rejected", in)
	}
}

func TestNextEveryStaysOnGridNoCatchUp(t *testing.T) {
	anchor := int64(1_000_000)
	interval := 10 * time.Second

	// A firing long overdue (daemon asleep for an hour) should produce a
	// single next tick strictly in the future of "after", not a queue of
	// every missed tick in between.
	after := anchor + int64(time.Hour/time.Millisecond)
	next := NextEvery(anchor, interval, after)

	require.Greater(t, next, after, "next firing must be strictly after 'after'")
	require.Equal(t, int64(0), (next-anchor)%interval.Milliseconds(), "next firing must remain on the anchor grid")

	// Firing exactly on schedule still advances by exactly one interval.
	onTime := anchor + interval.Milliseconds()*3
	next2 := NextEvery(anchor, interval, onTime)
	require.Equal(t, onTime+interval.Milliseconds(), next2)
}

func TestNextOnceFiresOnceThenZero(t *testing.T) {
	at := time.UnixMilli(2_000_000)
	before := at.UnixMilli() - 1
	require.Equal(t, at.UnixMilli(), NextOnce(at, before))

	after := at.UnixMilli() + 1
	require.Equal(t, int64(0), NextOnce(at, after))
}

func TestNextCronDeterministicAcrossTimezone(t *testing.T) {
	// "0 9 * * *" in America/New_York should always land at 09:00 local,
	// which is a different UTC offset depending on daylight saving time.
	afterMs := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC).UnixMilli()
	nextMs, err := NextCron("0 9 * * *", "America/New_York", afterMs)
	require.NoError(t, err)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	next := time.UnixMilli(nextMs).In(loc)
	require.Equal(t, 9, next.Hour())
	require.Equal(t, 0, next.Minute())
}

func TestComputeNextDispatchesByKind(t *testing.T) {
	now := time.Now().UnixMilli()

	everyNext, err := ComputeNext(models.Schedule{Kind: models.ScheduleEvery, Every: "30s"}, now, now)
	require.NoError(t, err)
	require.Greater(t, everyNext, now)

	onceNext, err := ComputeNext(models.Schedule{Kind: models.ScheduleOnce, At: time.UnixMilli(now + 60_000)}, now, now)
	require.NoError(t, err)
	require.Equal(t, now+60_000, onceNext)

	_, err = ComputeNext(models.Schedule{Kind: "bogus"}, now, now)
	require.Error(t, err)
}
