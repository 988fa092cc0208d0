package domain

import "time"

// RateLimitEntry is a per-key counter. Key is "<action>:<identifier>",
// e.g. "forgot-password:203.0.113.7".
type RateLimitEntry struct {
	Key         string    `gorm:"type:text;primaryKey" db:"key"`
	Attempts    int       `gorm:"not null;default:0" db:"attempts"`
	WindowStart time.Time `gorm:"not null" db:"window_start"`
}

func (RateLimitEntry) TableName() string { return "rate_limit_entries" }
