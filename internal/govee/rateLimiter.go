package govee

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wheelibin/goveed/internal/constants"
	"github.com/wheelibin/goveed/internal/models"
)

// RateLimiter tracks the request budgets reported by the cloud. Readers get
// the last published status without locking.
type RateLimiter struct {
	now    func() time.Time
	mu     sync.Mutex
	status atomic.Pointer[models.RateLimitStatus]
}

func NewRateLimiter(perMinute int, perDay int, now func() time.Time) *RateLimiter {
	r := &RateLimiter{now: now}
	initial := models.NewRateLimitStatus(perMinute, perDay, now())
	r.status.Store(&initial)
	return r
}

func (r *RateLimiter) Status() models.RateLimitStatus {
	return *r.status.Load()
}

// Record updates the budgets from a response. Missing headers fall back to
// counting requests against the local window.
func (r *RateLimiter) Record(h http.Header) {
	r.update(func(next *models.RateLimitStatus, now time.Time) {
		next.MinuteRemaining = max(next.MinuteRemaining-1, 0)
		next.DayRemaining = max(next.DayRemaining-1, 0)

		if remaining, ok := headerInt(h, constants.HeaderMinuteRemaining); ok {
			next.MinuteRemaining = remaining
		}
		if reset, ok := headerTime(h, constants.HeaderMinuteReset, now); ok {
			next.MinuteReset = reset
		}
		if remaining, ok := headerInt(h, constants.HeaderDayRemaining); ok {
			next.DayRemaining = remaining
		}
		if reset, ok := headerTime(h, constants.HeaderDayReset, now); ok {
			next.DayReset = reset
		}
	})
}

// Exhausted marks the minute window as spent after a 429
func (r *RateLimiter) Exhausted(retryAfter time.Duration) {
	r.update(func(next *models.RateLimitStatus, now time.Time) {
		next.MinuteRemaining = 0
		if retryAfter > 0 {
			next.MinuteReset = now.Add(retryAfter)
		}
		next.ConsecutiveFailures++
	})
}

func (r *RateLimiter) Succeeded() {
	if r.Status().ConsecutiveFailures == 0 {
		return
	}
	r.update(func(next *models.RateLimitStatus, _ time.Time) {
		next.ConsecutiveFailures = 0
	})
}

func (r *RateLimiter) update(fn func(next *models.RateLimitStatus, now time.Time)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	next := *r.status.Load()

	// roll over expired windows before applying the change
	if !now.Before(next.MinuteReset) {
		next.MinuteRemaining = next.MinuteLimit
		next.MinuteReset = now.Add(time.Minute)
	}
	if !now.Before(next.DayReset) {
		next.DayRemaining = next.DayLimit
		next.DayReset = now.Add(24 * time.Hour)
	}

	fn(&next, now)
	next.UpdatedAt = now
	r.status.Store(&next)
}

func headerInt(h http.Header, key string) (int, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

// headerTime accepts unix seconds, unix milliseconds, or seconds until reset
func headerTime(h http.Header, key string, now time.Time) (time.Time, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return time.Time{}, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return time.Time{}, false
	}
	switch {
	case f > 1e12:
		return time.UnixMilli(int64(f)), true
	case f > 1e9:
		return time.Unix(int64(f), 0), true
	default:
		return now.Add(time.Duration(f * float64(time.Second))), true
	}
}

func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get(constants.HeaderRetryAfter))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
