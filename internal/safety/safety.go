// Package safety holds the pure anti-abuse arithmetic: daily quota
// accounting and randomized inter-send delays. No I/O, no clocks beyond
// the date the caller passes in.
package safety

import (
	"math/rand"
	"time"
)

// Settings caps outbound invite traffic per session.
type Settings struct {
	MinDelayMS      int  `json:"minDelay"`
	MaxDelayMS      int  `json:"maxDelay"`
	DailyLimit      int  `json:"dailyLimit"`
	MessageVariants bool `json:"messageVariations"`
}

// DailyStats tracks the sends performed on one calendar day.
type DailyStats struct {
	Date  string `json:"date"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// Defaults mirrors the shipped safety profile.
func Defaults() Settings {
	return Settings{
		MinDelayMS:      5000,
		MaxDelayMS:      10000,
		DailyLimit:      50,
		MessageVariants: true,
	}
}

// Day formats t as the stats calendar-day key.
func Day(t time.Time) string { return t.Format("2006-01-02") }

// Rollover returns stats reset to zero for day if the stored date differs.
func Rollover(stats DailyStats, day string) DailyStats {
	if stats.Date != day {
		return DailyStats{Date: day, Count: 0}
	}
	return stats
}

// RemainingQuota reports how many sends are left today. Never negative.
func RemainingQuota(stats DailyStats, limit int) int {
	rem := limit - stats.Count
	if rem < 0 {
		return 0
	}
	return rem
}

// CanSend reports whether one more send fits under the daily limit.
func CanSend(stats DailyStats, limit int) bool {
	return RemainingQuota(stats, limit) > 0
}

// JitterDelay samples a send delay uniformly from [min, max] milliseconds.
func JitterDelay(minMS, maxMS int) time.Duration {
	if minMS < 0 {
		minMS = 0
	}
	if maxMS < minMS {
		maxMS = minMS
	}
	ms := minMS
	if span := maxMS - minMS; span > 0 {
		ms += rand.Intn(span + 1)
	}
	return time.Duration(ms) * time.Millisecond
}
