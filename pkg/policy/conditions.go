package policy

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Condition keys the evaluator understands. Unknown keys are treated as
// satisfied so documents written for newer versions still evaluate.
const (
	condTimeOfDay  = "time_of_day"
	condDaysOfWeek = "days_of_week"
	condDateRange  = "date_range"
	condIPRanges   = "ip_ranges"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// conditionStrings normalizes a condition value to a string list. JSON
// decoding yields []any; YAML and hand-built documents may carry []string
// or a comma-separated string.
func conditionStrings(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func conditionString(v any) string {
	s, _ := v.(string)
	return s
}

// checkTimeOfDay evaluates an "HH:MM-HH:MM" window against the wall-clock
// time in UTC. Windows that cross midnight wrap.
func checkTimeOfDay(spec string, at time.Time) (bool, error) {
	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		return false, fmt.Errorf("time_of_day %q: want HH:MM-HH:MM", spec)
	}
	start, err := parseClock(strings.TrimSpace(from))
	if err != nil {
		return false, err
	}
	end, err := parseClock(strings.TrimSpace(to))
	if err != nil {
		return false, err
	}

	now := at.UTC().Hour()*60 + at.UTC().Minute()
	if start <= end {
		return now >= start && now <= end, nil
	}
	// Crosses midnight: 22:00-06:00.
	return now >= start || now <= end, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func checkDaysOfWeek(days []string, at time.Time) (bool, error) {
	if len(days) == 0 {
		return true, nil
	}
	current := at.UTC().Weekday()
	for _, d := range days {
		wd, ok := weekdayNames[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return false, fmt.Errorf("unknown weekday %q", d)
		}
		if wd == current {
			return true, nil
		}
	}
	return false, nil
}

// checkDateRange evaluates "YYYY-MM-DD..YYYY-MM-DD"; either side may be
// empty for an open interval.
func checkDateRange(spec string, at time.Time) (bool, error) {
	from, to, ok := strings.Cut(spec, "..")
	if !ok {
		return false, fmt.Errorf("date_range %q: want YYYY-MM-DD..YYYY-MM-DD", spec)
	}
	day := at.UTC().Truncate(24 * time.Hour)
	if from = strings.TrimSpace(from); from != "" {
		start, err := time.Parse("2006-01-02", from)
		if err != nil {
			return false, fmt.Errorf("invalid date %q: %w", from, err)
		}
		if day.Before(start) {
			return false, nil
		}
	}
	if to = strings.TrimSpace(to); to != "" {
		end, err := time.Parse("2006-01-02", to)
		if err != nil {
			return false, fmt.Errorf("invalid date %q: %w", to, err)
		}
		if day.After(end) {
			return false, nil
		}
	}
	return true, nil
}

// ipInRanges reports whether addr falls inside any of the CIDR ranges. A
// bare IP in the list is treated as a single-address prefix.
func ipInRanges(addr string, ranges []string) (bool, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false, fmt.Errorf("invalid ip address %q: %w", addr, err)
	}
	for _, r := range ranges {
		prefix, err := parsePrefixOrAddr(r)
		if err != nil {
			return false, err
		}
		if prefix.Contains(ip.Unmap()) {
			return true, nil
		}
	}
	return false, nil
}

func parsePrefixOrAddr(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid cidr %q: %w", s, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid ip %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
