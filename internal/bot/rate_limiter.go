package bot

import (
	"time"

	"golang.org/x/time/rate"
)

type userLimiter struct {
	hourlyLimiter *rate.Limiter
	dailyLimiter  *rate.Limiter
	lastReset     time.Time
	banUntil      time.Time
}

// newLimiter allows n events per window; n <= 0 means unlimited.
func newLimiter(window time.Duration, n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(n)), n)
}

// checkRateLimits consumes one message from the user's hourly and daily
// budgets. Exceeding either starts a temporary ban.
func (b *Bot) checkRateLimits(userID int64) bool {
	b.userLimitersMu.Lock()
	defer b.userLimitersMu.Unlock()

	now := b.clock.Now()

	limiter, exists := b.userLimiters[userID]
	if !exists {
		limiter = &userLimiter{
			hourlyLimiter: newLimiter(time.Hour, b.config.MessagePerHour),
			dailyLimiter:  newLimiter(24*time.Hour, b.config.MessagePerDay),
			lastReset:     now,
		}
		b.userLimiters[userID] = limiter
	}

	if now.Before(limiter.banUntil) {
		return false
	}

	if now.Sub(limiter.lastReset) >= 24*time.Hour {
		limiter.dailyLimiter = newLimiter(24*time.Hour, b.config.MessagePerDay)
		limiter.lastReset = now
	}

	if !limiter.hourlyLimiter.AllowN(now, 1) || !limiter.dailyLimiter.AllowN(now, 1) {
		limiter.banUntil = now.Add(b.config.TempBan)
		return false
	}

	return true
}
