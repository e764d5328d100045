package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-08-23 14:30:45 UTC
const sampleTS int64 = 1787495445

func TestTimeLabelsAreUTC(t *testing.T) {
	assert.Equal(t, "2026082314", HourLabel(sampleTS))
	assert.Equal(t, "20260823", DayLabel(sampleTS))
	assert.Equal(t, "202608231430", MinuteLabel(sampleTS))
	assert.Equal(t, "202608", MonthLabel(sampleTS))
	assert.Equal(t, "2026W34", WeekLabel(sampleTS))
}

func TestBucketStarts(t *testing.T) {
	assert.Equal(t, int64(1787493600), HourStart(sampleTS))
	assert.Equal(t, int64(1787495400), MinuteStart(sampleTS))

	dayStart := DayStart(sampleTS)
	assert.Equal(t, int64(1787443200), dayStart)
	assert.Equal(t, "20260823", DayLabel(dayStart))
}

func TestParseLabelsRoundTrip(t *testing.T) {
	hourStart, err := ParseHourLabel(HourLabel(sampleTS))
	require.NoError(t, err)
	assert.Equal(t, HourStart(sampleTS), hourStart)

	dayStart, err := ParseDayLabel(DayLabel(sampleTS))
	require.NoError(t, err)
	assert.Equal(t, DayStart(sampleTS), dayStart)

	_, err = ParseHourLabel("not-a-label")
	assert.Error(t, err)
}

func TestPeriodLabel(t *testing.T) {
	assert.Equal(t, HourLabel(sampleTS), PeriodLabel(PeriodHour, sampleTS))
	assert.Equal(t, DayLabel(sampleTS), PeriodLabel(PeriodDay, sampleTS))
	assert.Equal(t, WeekLabel(sampleTS), PeriodLabel(PeriodWeek, sampleTS))
	assert.Equal(t, MonthLabel(sampleTS), PeriodLabel(PeriodMonth, sampleTS))
	// Unknown periods fall back to day granularity.
	assert.Equal(t, DayLabel(sampleTS), PeriodLabel("century", sampleTS))
}

func TestKeyConstruction(t *testing.T) {
	id := "a1b2c3"
	assert.Equal(t, "device:a1b2c3", DeviceKey(id))
	assert.Equal(t, "device:a1b2c3:detections:CRITICAL", DetectionCountKey(id, StatusCritical))
	assert.Equal(t, "hour:a1b2c3:2026082314", HourKey(id, "2026082314"))
	assert.Equal(t, "day:a1b2c3:20260823", DayKey(id, "20260823"))
	assert.Equal(t, "minute:a1b2c3:202608231430", MinuteKey(id, "202608231430"))
	assert.Equal(t, "hist_index:a1b2c3", HistIndexKey(id))
	assert.Equal(t, "hist_month_index:a1b2c3", HistMonthIndexKey(id))
	assert.Equal(t, "segment:a1b2c3:programs:injection:hourly:2026082314",
		SegmentKey(id, CategoryPrograms, "injection", GranularityHourly, "2026082314"))
	assert.Equal(t, "segments:a1b2c3:programs:injection:daily",
		SegmentSetKey(id, CategoryPrograms, "injection", GranularityDaily))
	assert.Equal(t, "segment_index:a1b2c3", SegmentIndexKey(id))
	assert.Equal(t, "session:a1b2c3:1787495445", SessionKey(id, sampleTS))
	assert.Equal(t, "session:a1b2c3:1787495445:segment:2", SessionSegmentKey(id, sampleTS, 2))
	assert.Equal(t, "sessions:a1b2c3", SessionIndexKey(id))
	assert.Equal(t, "session_accum:a1b2c3", SessionAccumKey(id))
	assert.Equal(t, "player_summary:a1b2c3", SummaryKey(id))
	assert.Equal(t, "devices", DevicesKey())
	assert.Equal(t, "leaderboard:day:20260823", LeaderboardKey(PeriodDay, "20260823"))
}

func TestLabelsIgnoreHostTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	restore := time.Local
	time.Local = loc
	defer func() { time.Local = restore }()

	assert.Equal(t, "2026082314", HourLabel(sampleTS))
	assert.Equal(t, "20260823", DayLabel(sampleTS))
}
