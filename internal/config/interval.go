package config

import (
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// IntervalSource tells which syntax an interval was written in.
type IntervalSource string

const (
	SourceDuration IntervalSource = "duration"
	SourceHHMM     IntervalSource = "hhmm"
	SourceCron     IntervalSource = "cron"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Standard 5-field specs plus descriptors (@every, @hourly, ...).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronProbeStart is an arbitrary UTC instant used to measure cron periods.
var cronProbeStart = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

const (
	cronProbeSpan    = 8 * 24 * time.Hour
	maxCronProbeGaps = 20000
)

// ParseInterval resolves a job's `every` field to a fixed interval.
//
// Supported forms:
//   - Go duration: "55m", "2h30m"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Cron with a constant period: "@every 5m", "@hourly", "@daily", "*/10 * * * *"
//
// Cron specs whose gaps vary (e.g. "0 9 * * 1-5") are rejected: jobs run on a
// fixed interval, not at wall-clock times.
func ParseInterval(raw string) (time.Duration, IntervalSource, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, "", errors.New("interval required")
	}

	// Prefixes (explicit)
	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		return parseCronInterval(strings.TrimSpace(s[len("cron:"):]))
	}
	if strings.HasPrefix(low, "every:") {
		s = strings.TrimSpace(s[len("every:"):])
	} else if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		// any whitespace or leading '@' => cron
		return parseCronInterval(s)
	}

	if reHHMM.MatchString(s) {
		return parseHHMMDuration(s)
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, "", errors.Newf(
			"invalid interval %q (use a duration like '55m', HH:MM like '02:30', or '@every 55m')", raw)
	}
	if d <= 0 {
		return 0, "", errors.New("interval must be > 0")
	}
	return d, SourceDuration, nil
}

func parseCronInterval(spec string) (time.Duration, IntervalSource, error) {
	if spec == "" {
		return 0, "", errors.New("cron spec required")
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return 0, "", errors.Wrapf(err, "invalid cron spec %q", spec)
	}
	switch sc := sched.(type) {
	case cron.ConstantDelaySchedule:
		return sc.Delay, SourceCron, nil
	case *cron.SpecSchedule:
		sc.Location = time.UTC
	}

	// Walk at least a week of firings (and three gaps); every gap must agree.
	prev := sched.Next(cronProbeStart)
	if prev.IsZero() {
		return 0, "", errors.Newf("cron spec %q never fires", spec)
	}
	var period time.Duration
	for gaps := 0; gaps < maxCronProbeGaps; gaps++ {
		if gaps >= 3 && prev.Sub(cronProbeStart) >= cronProbeSpan {
			break
		}
		next := sched.Next(prev)
		if next.IsZero() {
			return 0, "", errors.Newf("cron spec %q never fires", spec)
		}
		gap := next.Sub(prev)
		if period != 0 && gap != period {
			return 0, "", errors.Newf("cron spec %q has no fixed period (%s vs %s)", spec, period, gap)
		}
		period = gap
		prev = next
	}
	return period, SourceCron, nil
}

func parseHHMMDuration(v string) (time.Duration, IntervalSource, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, "", errors.Newf("invalid HH:MM %q", v)
	}
	// safe parse: hours up to 999, minutes 0..59
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, "", errors.Newf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, "", errors.New("interval must be > 0")
	}
	return d, SourceHHMM, nil
}
