package gate

import (
	"fmt"
	"time"
)

type windows struct {
	unixMinute int64
	unixHour   int64
	day        string
	minuteEnd  time.Time
	hourEnd    time.Time
	dayEnd     time.Time
}

// windowsAt computes the window keys and natural boundaries containing now.
func windowsAt(now time.Time, loc *time.Location) windows {
	local := now.In(loc)
	minuteStart := now.Truncate(time.Minute)
	hourStart := now.Truncate(time.Hour)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	return windows{
		unixMinute: now.Unix() / 60,
		unixHour:   now.Unix() / 3600,
		day:        local.Format("2006-01-02"),
		minuteEnd:  minuteStart.Add(time.Minute),
		hourEnd:    hourStart.Add(time.Hour),
		dayEnd:     midnight,
	}
}

func tenantPrefix(tenantID string) string {
	return fmt.Sprintf("ratelimit:%s:", tenantID)
}

func minuteKey(tenantID string, w windows) string {
	return fmt.Sprintf("ratelimit:%s:minute:%d", tenantID, w.unixMinute)
}

func hourKey(tenantID string, w windows) string {
	return fmt.Sprintf("ratelimit:%s:hour:%d", tenantID, w.unixHour)
}

func dayKey(tenantID string, w windows) string {
	return fmt.Sprintf("ratelimit:%s:day:%s", tenantID, w.day)
}
