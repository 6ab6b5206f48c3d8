package rules

import (
	"slices"
	"strings"
	"time"

	"github.com/kilianp07/leadalloc/core/model"
)

// active reports whether the schedule admits t. A nil schedule always does.
func active(s *model.RuleSchedule, t time.Time) bool {
	if s == nil {
		return true
	}
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			t = t.In(loc)
		}
	}
	if !s.Start.IsZero() && t.Before(s.Start) {
		return false
	}
	if !s.End.IsZero() && !t.Before(s.End) {
		return false
	}
	if len(s.Days) > 0 {
		day := strings.ToLower(t.Weekday().String())
		if !slices.ContainsFunc(s.Days, func(d string) bool { return strings.EqualFold(d, day) }) {
			return false
		}
	}
	if s.StartHour == s.EndHour {
		return true
	}
	h := t.Hour()
	if s.StartHour < s.EndHour {
		return h >= s.StartHour && h < s.EndHour
	}
	// overnight window such as 18-6
	return h >= s.StartHour || h < s.EndHour
}
