package beckncontext

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// No ISO-8601 duration package appears anywhere in the retrieved example
// corpus (see DESIGN.md), so this is a small stdlib-only parser covering the
// subset the protocol actually uses: PnYnMnDTnHnMnS with optional fractional
// seconds, e.g. "PT1H", "PT30S", "PT5S".
var durationPattern = regexp.MustCompile(
	`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:([\d.]+)S)?)?$`,
)

// ParseISODuration parses a subset of ISO-8601 durations into a time.Duration.
func ParseISODuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("beckncontext: invalid ISO-8601 duration %q", s)
	}

	var total time.Duration
	add := func(group string, unit time.Duration) error {
		if group == "" {
			return nil
		}
		n, err := strconv.ParseFloat(group, 64)
		if err != nil {
			return err
		}
		total += time.Duration(n * float64(unit))
		return nil
	}

	if err := add(m[1], 365*24*time.Hour); err != nil {
		return 0, err
	}
	if err := add(m[2], 30*24*time.Hour); err != nil {
		return 0, err
	}
	if err := add(m[3], 24*time.Hour); err != nil {
		return 0, err
	}
	if err := add(m[4], time.Hour); err != nil {
		return 0, err
	}
	if err := add(m[5], time.Minute); err != nil {
		return 0, err
	}
	if err := add(m[6], time.Second); err != nil {
		return 0, err
	}
	return total, nil
}

// FormatISODuration renders d in the PT#H#M#S form used on the wire.
func FormatISODuration(d time.Duration) string {
	if d == 0 {
		return "PT0S"
	}
	total := int64(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60

	out := "PT"
	if h > 0 {
		out += fmt.Sprintf("%dH", h)
	}
	if m > 0 {
		out += fmt.Sprintf("%dM", m)
	}
	if s > 0 || out == "PT" {
		out += fmt.Sprintf("%dS", s)
	}
	return out
}
