package models

import (
	"time"

	"github.com/wheelibin/goveed/internal/constants"
)

// RateLimitStatus is replaced wholesale by the transport after every response
type RateLimitStatus struct {
	MinuteLimit     int       `json:"minuteLimit"`
	MinuteRemaining int       `json:"minuteRemaining"`
	MinuteReset     time.Time `json:"minuteReset"`
	DayLimit        int       `json:"dayLimit"`
	DayRemaining    int       `json:"dayRemaining"`
	DayReset        time.Time `json:"dayReset"`

	ConsecutiveFailures int       `json:"consecutiveFailures"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func NewRateLimitStatus(perMinute int, perDay int, now time.Time) RateLimitStatus {
	return RateLimitStatus{
		MinuteLimit:     perMinute,
		MinuteRemaining: perMinute,
		MinuteReset:     now.Add(time.Minute),
		DayLimit:        perDay,
		DayRemaining:    perDay,
		DayReset:        now.Add(24 * time.Hour),
		UpdatedAt:       now,
	}
}

func (s RateLimitStatus) IsLimited() bool {
	return s.MinuteRemaining < constants.MinuteRemainingThreshold || s.DayRemaining < constants.DayRemainingThreshold
}

// MinuteBudget is the number of requests available right now. A window that
// has already reset counts as full.
func (s RateLimitStatus) MinuteBudget(now time.Time) int {
	if !s.MinuteReset.IsZero() && !now.Before(s.MinuteReset) {
		return s.MinuteLimit
	}
	return s.MinuteRemaining
}

func (s RateLimitStatus) DayBudget(now time.Time) int {
	if !s.DayReset.IsZero() && !now.Before(s.DayReset) {
		return s.DayLimit
	}
	return s.DayRemaining
}

// WaitTime is how long a caller should hold off before the budget recovers
func (s RateLimitStatus) WaitTime(now time.Time) time.Duration {
	if s.DayBudget(now) <= 0 {
		wait := s.DayReset.Sub(now)
		if wait > constants.MaxDayLimitWait {
			wait = constants.MaxDayLimitWait
		}
		return max(wait, 0)
	}
	if s.MinuteBudget(now) <= 0 {
		return max(s.MinuteReset.Sub(now), 0)
	}
	return 0
}
