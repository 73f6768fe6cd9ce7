package models

import "time"

// DayLayout is the calendar-day key format used by the usage ledger.
const DayLayout = "2006-01-02"

// UsageRecord accumulates inference consumption for one calendar day.
// TotalUnits always equals InputUnits + OutputUnits.
type UsageRecord struct {
	Date        string `json:"date"`
	InputUnits  int64  `json:"input_tokens"`
	OutputUnits int64  `json:"output_tokens"`
	TotalUnits  int64  `json:"total_tokens"`
}

// DayKey formats t as a ledger date key in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DayLayout)
}

// TokenUsage is the consumption metadata reported by an oracle call.
type TokenUsage struct {
	InputUnits  int64
	OutputUnits int64
}
