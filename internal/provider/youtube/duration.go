package youtube

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseDuration converts an ISO-8601 duration such as "PT1H2M3S" or "P1DT30M"
// into whole seconds. Years and months are not used by the API and are rejected.
func ParseDuration(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("parse duration %q: missing P designator", s)
	}
	rest := s[1:]
	var total int64
	inTime := false
	num := ""
	for _, r := range rest {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("parse duration %q: misplaced T", s)
			}
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("parse duration %q: missing value before %q", s, r)
			}
			n, err := strconv.ParseInt(num, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse duration %q: %w", s, err)
			}
			num = ""
			unit, err := unitSeconds(r, inTime)
			if err != nil {
				return 0, fmt.Errorf("parse duration %q: %w", s, err)
			}
			total += n * unit
		}
	}
	if num != "" {
		return 0, fmt.Errorf("parse duration %q: trailing number", s)
	}
	return total, nil
}

func unitSeconds(r rune, inTime bool) (int64, error) {
	if inTime {
		switch r {
		case 'H':
			return 3600, nil
		case 'M':
			return 60, nil
		case 'S':
			return 1, nil
		}
	} else {
		switch r {
		case 'W':
			return 7 * 86400, nil
		case 'D':
			return 86400, nil
		}
	}
	return 0, fmt.Errorf("unsupported unit %q", r)
}
