package security

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const day = 24 * time.Hour

// RateLimiter caps messages per user over sliding minute, hour and day windows.
// Windows live in memory only and reset on restart.
type RateLimiter struct {
	mu      sync.Mutex
	rules   RateRules
	windows *expirable.LRU[string, []time.Time]
	now     func() time.Time
}

// NewRateLimiter returns a RateLimiter tracking at most capacity users.
func NewRateLimiter(rules RateRules, capacity int, now func() time.Time) *RateLimiter {
	if rules.PerMinute <= 0 {
		rules.PerMinute = 30
	}
	if rules.PerHour <= 0 {
		rules.PerHour = 200
	}
	if rules.PerDay <= 0 {
		rules.PerDay = 1000
	}
	if rules.ExceededResponse == "" {
		rules.ExceededResponse = "你发消息太快啦，让我喘口气~"
	}
	if rules.HourExceededResponse == "" {
		rules.HourExceededResponse = "这一小时聊得太多啦，休息一下吧~"
	}
	if rules.DayExceededResponse == "" {
		rules.DayExceededResponse = "今天聊得够多啦，明天再继续吧~"
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		rules: rules,
		// a window older than a day carries no information
		windows: expirable.NewLRU[string, []time.Time](capacity, nil, day),
		now:     now,
	}
}

// Check reports whether the user may send another message. The message is
// counted only when allowed.
func (l *RateLimiter) Check(userKey string) (bool, string) {
	if l.rules.Enabled != nil && !*l.rules.Enabled {
		return true, ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stamps, _ := l.windows.Get(userKey)
	kept := stamps[:0]
	perMinute, perHour := 0, 0
	for _, ts := range stamps {
		age := now.Sub(ts)
		if age >= day {
			continue
		}
		kept = append(kept, ts)
		if age < time.Hour {
			perHour++
		}
		if age < time.Minute {
			perMinute++
		}
	}

	var msg string
	switch {
	case perMinute >= l.rules.PerMinute:
		msg = l.rules.ExceededResponse
	case perHour >= l.rules.PerHour:
		msg = l.rules.HourExceededResponse
	case len(kept) >= l.rules.PerDay:
		msg = l.rules.DayExceededResponse
	}
	if msg != "" {
		l.windows.Add(userKey, kept)
		return false, msg
	}

	l.windows.Add(userKey, append(kept, now))
	return true, ""
}

// Reset clears every window for the user.
func (l *RateLimiter) Reset(userKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows.Remove(userKey)
}
