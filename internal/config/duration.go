package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration reads a duration setting such as poll.interval. Values are Go
// durations ("90s", "1h30m") or whole seconds ("1800", as RENTWATCH_* env
// overrides are usually written). Empty or zero yields def.
func Duration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}

	var d time.Duration
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs > int64(maxSeconds) {
			return 0, fmt.Errorf("%s: %q seconds is out of range", field, raw)
		}
		d = time.Duration(secs) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. 90s, 30m or seconds)", field, raw)
	}

	if d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", field, raw)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

const maxSeconds = time.Duration(1<<63-1) / time.Second
