package ratelimit

import (
	"time"

	"github.com/acme/voice-campaign-engine/internal/domain"
)

// calendarGate applies the checks that need no counters: scheduled start and
// working hours.
func calendarGate(c *domain.Campaign, now time.Time) Reason {
	s := c.Settings
	if s.WhenToSend == domain.SendScheduled && s.StartedAt != nil && now.Before(*s.StartedAt) {
		return ReasonNotStarted
	}
	if s.WorkingHoursEnabled && !withinWorkingHours(now, s) {
		return ReasonOutsideWorkingHours
	}
	return ReasonNone
}

// withinWorkingHours reports whether now falls inside the campaign's window
// for the local weekday. Both bounds are inclusive. A window whose end is
// before its start spans midnight into the following day.
func withinWorkingHours(now time.Time, s domain.CampaignSettings) bool {
	loc := time.UTC
	if s.TimeZone != "" {
		if l, err := time.LoadLocation(s.TimeZone); err == nil {
			loc = l
		}
	}

	local := now.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	weekday := local.Weekday()

	if day, ok := s.WorkingHours[weekday]; ok && day.Enabled {
		start, end, ok := parseWindow(day)
		if ok {
			if end >= start && minuteOfDay >= start && minuteOfDay <= end {
				return true
			}
			if end < start && minuteOfDay >= start {
				return true
			}
		}
	}

	prev := (weekday + 6) % 7
	if day, ok := s.WorkingHours[prev]; ok && day.Enabled {
		start, end, ok := parseWindow(day)
		if ok && end < start && minuteOfDay <= end {
			return true
		}
	}
	return false
}

func parseWindow(day domain.WorkingDay) (int, int, bool) {
	start, err := time.Parse("15:04", day.Start)
	if err != nil {
		return 0, 0, false
	}
	end, err := time.Parse("15:04", day.End)
	if err != nil {
		return 0, 0, false
	}
	return start.Hour()*60 + start.Minute(), end.Hour()*60 + end.Minute(), true
}
