package domain

import (
	"fmt"
	"time"
)

// TimeFrame identifies one of the anchor cycles a symbol is watched on.
// Each timeframe has its own reference price and reset boundary.
type TimeFrame string

const (
	TimeFrameDaily   TimeFrame = "daily"
	TimeFrameWeekly  TimeFrame = "weekly"
	TimeFrameMonthly TimeFrame = "monthly"
)

// TimeFrames lists all timeframes in evaluation order.
var TimeFrames = []TimeFrame{TimeFrameDaily, TimeFrameWeekly, TimeFrameMonthly}

// ParseTimeFrame converts a stored string into a TimeFrame.
func ParseTimeFrame(s string) (TimeFrame, error) {
	switch TimeFrame(s) {
	case TimeFrameDaily, TimeFrameWeekly, TimeFrameMonthly:
		return TimeFrame(s), nil
	}
	return "", fmt.Errorf("unknown timeframe %q", s)
}

// Interval returns the kline interval string Binance uses for this timeframe.
func (tf TimeFrame) Interval() string {
	switch tf {
	case TimeFrameWeekly:
		return "1w"
	case TimeFrameMonthly:
		return "1M"
	default:
		return "1d"
	}
}

// CycleStart returns the UTC boundary that opened the cycle containing t:
// midnight for daily, Monday midnight for weekly, 1st-of-month midnight for
// monthly.
func (tf TimeFrame) CycleStart(t time.Time) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	switch tf {
	case TimeFrameDaily:
		return midnight
	case TimeFrameWeekly:
		// time.Weekday has Sunday == 0, the trading week opens on Monday.
		offset := (int(t.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset)
	case TimeFrameMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return midnight
}

// NextReset returns the first boundary strictly after t.
func (tf TimeFrame) NextReset(t time.Time) time.Time {
	start := tf.CycleStart(t)
	switch tf {
	case TimeFrameWeekly:
		return start.AddDate(0, 0, 7)
	case TimeFrameMonthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// SameCycle reports whether a and b fall inside the same reset window.
func (tf TimeFrame) SameCycle(a, b time.Time) bool {
	return tf.CycleStart(a).Equal(tf.CycleStart(b))
}
