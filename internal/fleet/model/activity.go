package model

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleMode selects how an owner's quiet hours are determined.
type ScheduleMode string

const (
	ScheduleAlwaysActive   ScheduleMode = "ALWAYS_ACTIVE"
	ScheduleAutoDetect     ScheduleMode = "AUTO_DETECT"
	ScheduleCustom         ScheduleMode = "CUSTOM"
	ScheduleSleepOvernight ScheduleMode = "SLEEP_OVERNIGHT"
)

// ActivityPattern is a per-owner 24-bucket hourly command histogram plus the
// detected (or configured) quiet-hour window.
type ActivityPattern struct {
	UserID     uuid.UUID    `json:"user_id"     db:"user_id"`
	Hourly     [24]int      `json:"hourly"      db:"hourly"`
	QuietStart *int         `json:"quiet_start,omitempty" db:"quiet_start"`
	QuietEnd   *int         `json:"quiet_end,omitempty"   db:"quiet_end"`
	Mode       ScheduleMode `json:"schedule_mode" db:"schedule_mode"`
	Timezone   string       `json:"timezone"    db:"timezone"`
	UpdatedAt  time.Time    `json:"updated_at"  db:"updated_at"`
}

// InQuietWindow reports whether hour (0-23, owner-local) falls inside the
// quiet window. Windows may wrap midnight, e.g. start=22 end=6.
func (p *ActivityPattern) InQuietWindow(hour int) bool {
	if p.QuietStart == nil || p.QuietEnd == nil {
		return false
	}
	start, end := *p.QuietStart, *p.QuietEnd
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
