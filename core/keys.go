package core

import (
	"fmt"
	"time"
)

// Granularity selects the bucket resolution for segment aggregates.
type Granularity string

const (
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// Leaderboard periods.
const (
	PeriodHour  = "hour"
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
)

// Time-bucket labels are always derived in UTC so that the writer and the
// reader agree on key names regardless of host timezone.

// HourLabel returns the UTC YYYYMMDDHH label for an epoch-seconds timestamp.
func HourLabel(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006010215")
}

// DayLabel returns the UTC YYYYMMDD label for an epoch-seconds timestamp.
func DayLabel(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("20060102")
}

// MinuteLabel returns the UTC YYYYMMDDHHMM label for an epoch-seconds timestamp.
func MinuteLabel(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("200601021504")
}

// MonthLabel returns the UTC YYYYMM label for an epoch-seconds timestamp.
func MonthLabel(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("200601")
}

// WeekLabel returns the ISO-week label, e.g. 2026W34.
func WeekLabel(ts int64) string {
	y, w := time.Unix(ts, 0).UTC().ISOWeek()
	return fmt.Sprintf("%04dW%02d", y, w)
}

// PeriodLabel maps a leaderboard period to its current label.
func PeriodLabel(period string, ts int64) string {
	switch period {
	case PeriodHour:
		return HourLabel(ts)
	case PeriodWeek:
		return WeekLabel(ts)
	case PeriodMonth:
		return MonthLabel(ts)
	default:
		return DayLabel(ts)
	}
}

// ParseHourLabel inverts HourLabel, returning the hour's start epoch.
func ParseHourLabel(label string) (int64, error) {
	t, err := time.Parse("2006010215", label)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// ParseDayLabel inverts DayLabel, returning the day's start epoch.
func ParseDayLabel(label string) (int64, error) {
	t, err := time.Parse("20060102", label)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// HourStart truncates an epoch-seconds timestamp to the start of its hour.
func HourStart(ts int64) int64 { return ts - ts%3600 }

// DayStart truncates an epoch-seconds timestamp to the start of its UTC day.
func DayStart(ts int64) int64 {
	t := time.Unix(ts, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

// MinuteStart truncates an epoch-seconds timestamp to the start of its minute.
func MinuteStart(ts int64) int64 { return ts - ts%60 }

// Storage key construction. These are pure and total: the rollup writer and
// the history reader derive key names independently and must always agree.

func DeviceKey(id string) string { return "device:" + id }

func DetectionCountKey(id string, status Status) string {
	return fmt.Sprintf("device:%s:detections:%s", id, status)
}

func HourKey(id, label string) string { return fmt.Sprintf("hour:%s:%s", id, label) }

func DayKey(id, label string) string { return fmt.Sprintf("day:%s:%s", id, label) }

func MinuteKey(id, label string) string { return fmt.Sprintf("minute:%s:%s", id, label) }

// HistIndexKey is the sorted set of a device's hour bucket keys, scored by
// hour start epoch.
func HistIndexKey(id string) string { return "hist_index:" + id }

// HistMonthIndexKey is the sorted set of a device's day bucket keys, scored
// by day start epoch.
func HistMonthIndexKey(id string) string { return "hist_month_index:" + id }

func SegmentKey(id string, cat Category, sub string, gran Granularity, label string) string {
	return fmt.Sprintf("segment:%s:%s:%s:%s:%s", id, cat, sub, gran, label)
}

// SegmentSetKey is the sorted set of one segment's bucket keys, scored by
// bucket start epoch.
func SegmentSetKey(id string, cat Category, sub string, gran Granularity) string {
	return fmt.Sprintf("segments:%s:%s:%s:%s", id, cat, sub, gran)
}

// SegmentIndexKey is the set of known "category:subsection" pairs for a
// device. Every segment bucket write must also add its pair here.
func SegmentIndexKey(id string) string { return "segment_index:" + id }

func SessionKey(id string, start int64) string {
	return fmt.Sprintf("session:%s:%d", id, start)
}

func SessionSegmentKey(id string, start int64, n int) string {
	return fmt.Sprintf("session:%s:%d:segment:%d", id, start, n)
}

// SessionIndexKey is the sorted set of a device's session start times,
// scored by start time.
func SessionIndexKey(id string) string { return "sessions:" + id }

// SessionAccumKey is the open-session segment accumulator hash for a device.
func SessionAccumKey(id string) string { return "session_accum:" + id }

func SummaryKey(id string) string { return "player_summary:" + id }

// DevicesKey is the global sorted set of known device ids, scored by last_seen.
func DevicesKey() string { return "devices" }

func LeaderboardKey(period, label string) string {
	return fmt.Sprintf("leaderboard:%s:%s", period, label)
}
