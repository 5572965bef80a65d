package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/haloruntime/halo/internal/models"
	"github.com/robfig/cron/v3"
)

// MinEveryInterval is the floor every ScheduleEvery job is clamped to.
const MinEveryInterval = 10 * time.Second

// everyPattern is the grammar an "every" duration must match: a number,
// optionally fractional, followed by exactly one of the unit letters
// s(econd)/m(inute)/h(our)/d(ay). Compound forms like "1h30m" and
// stdlib-only units like "ms"/"us"/"ns" are rejected, not silently accepted.
var everyPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)([smhd])$`)

var unitMs = map[byte]float64{
	's': 1000,
	'm': 60 * 1000,
	'h': 60 * 60 * 1000,
	'd': 24 * 60 * 60 * 1000,
}

// ParseDuration parses an "every" duration string against the grammar
// ^\d+(\.\d+)?[smhd]$, clamping anything below MinEveryInterval up to it so
// a typo'd schedule can't busy-loop the daemon.
func ParseDuration(s string) (time.Duration, error) {
	m := everyPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("interval %q does not match required format \\d+(\\.\\d+)?[smhd]", s)
	}

	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse interval %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("interval %q must be positive", s)
	}

	ms := n * unitMs[m[2][0]]
	d := time.Duration(ms) * time.Millisecond
	if d < MinEveryInterval {
		d = MinEveryInterval
	}
	return d, nil
}

// NextEvery returns the next grid-aligned firing time strictly after
// afterMs, where the grid originates at anchorMs and repeats every
// interval. The anchor never moves, so "every 90s" schedules don't drift
// even if a firing is delayed.
func NextEvery(anchorMs int64, interval time.Duration, afterMs int64) int64 {
	intervalMs := interval.Milliseconds()
	if intervalMs <= 0 {
		intervalMs = MinEveryInterval.Milliseconds()
	}
	elapsed := afterMs - anchorMs
	if elapsed < 0 {
		return anchorMs
	}
	ticksPassed := elapsed/intervalMs + 1
	return anchorMs + ticksPassed*intervalMs
}

// NextOnce returns the one-shot firing time in ms, or 0 if it has already
// passed as of afterMs (a ScheduleOnce job never re-fires).
func NextOnce(at time.Time, afterMs int64) int64 {
	atMs := at.UnixMilli()
	if atMs <= afterMs {
		return 0
	}
	return atMs
}

// NextCron returns the next firing time in ms strictly after afterMs for a
// standard 5-field cron expression (or a 6-field one with a leading seconds
// field), evaluated in the given IANA timezone
// (UTC if tz is empty).
func NextCron(expr, tz string, afterMs int64) (int64, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return 0, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}

	after := time.UnixMilli(afterMs).In(loc)
	next := schedule.Next(after)
	return next.UnixMilli(), nil
}

// ComputeNext dispatches to the schedule-kind-specific next-firing
// computation. A ScheduleOnce job that has already fired returns (0, nil),
// signaling the caller to disable it.
func ComputeNext(sched models.Schedule, anchorMs, afterMs int64) (int64, error) {
	switch sched.Kind {
	case models.ScheduleEvery:
		interval, err := ParseDuration(sched.Every)
		if err != nil {
			return 0, err
		}
		return NextEvery(anchorMs, interval, afterMs), nil
	case models.ScheduleCron:
		return NextCron(sched.Cron, sched.Timezone, afterMs)
	case models.ScheduleOnce:
		return NextOnce(sched.At, afterMs), nil
	default:
		return 0, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}
