package poller

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// fixedInterval waits a constant duration after the previous cycle ends.
// cron.Every rounds to whole seconds, which is too coarse for tests.
type fixedInterval time.Duration

func (f fixedInterval) Next(t time.Time) time.Time { return t.Add(time.Duration(f)) }

// ParseCadence builds the between-cycle schedule. An empty schedule falls
// back to interval.
//
// Supported schedule forms:
//   - Cron: "*/30 * * * *", "0 8-22 * * *", "@hourly", "@every 45m"
//   - Interval duration: "30m", "1h30m"
//   - Interval HH:MM: "00:30" (30 minutes)
//
// "cron:" forces cron parsing, "interval:" or "every:" force an interval.
func ParseCadence(interval time.Duration, schedule string) (cron.Schedule, string, error) {
	s := strings.TrimSpace(schedule)
	if s == "" {
		if interval <= 0 {
			return nil, "", fmt.Errorf("poll interval must be > 0")
		}
		return fixedInterval(interval), "every " + interval.String(), nil
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return intervalCadence(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalCadence(s[len("every:"):])
	case strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	default:
		return intervalCadence(s)
	}
}

func parseCron(expr string) (cron.Schedule, string, error) {
	if expr == "" {
		return nil, "", fmt.Errorf("cron schedule required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return sched, "cron " + expr, nil
}

func intervalCadence(v string) (cron.Schedule, string, error) {
	d, err := parseInterval(v)
	if err != nil {
		return nil, "", err
	}
	return fixedInterval(d), "every " + d.String(), nil
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); len(m) == 3 {
		var hh int
		for i := 0; i < len(m[1]); i++ {
			hh = hh*10 + int(m[1][i]-'0')
		}
		mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q (use cron like '*/30 * * * *', HH:MM like '00:30', or duration like '30m')", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
