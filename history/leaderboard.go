package history

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"argus/core"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// Leaderboard returns the top devices by accumulated threat points for
// the current hour, day, week, or month. Ties break on device id so the
// ordering is stable across calls. An empty live board falls back to
// deriving scores from day buckets, which covers boards created before
// the leaderboard writes existed.
func (q *Query) Leaderboard(ctx context.Context, period string, limit int) ([]core.LeaderboardEntry, error) {
	defer observe("leaderboard", q.clock())

	switch period {
	case core.PeriodHour, core.PeriodDay, core.PeriodWeek, core.PeriodMonth:
	default:
		return nil, fmt.Errorf("unknown leaderboard period %q", period)
	}
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}

	now := q.clock().Unix()
	key := core.LeaderboardKey(period, core.PeriodLabel(period, now))
	members, err := q.store.ZRangeByScore(ctx, key, 0, math.Inf(1), true, 0)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}

	entries := make([]core.LeaderboardEntry, 0, len(members))
	for _, m := range members {
		if m.Score <= 0 {
			continue
		}
		entries = append(entries, core.LeaderboardEntry{DeviceID: m.Member, Score: m.Score})
	}
	if len(entries) == 0 {
		entries, err = q.deriveLeaderboard(ctx, period, now)
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].DeviceID < entries[j].DeviceID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// deriveLeaderboard rebuilds period scores from day buckets for the most
// recently seen devices. Bounded by deriveCap; a board derived this way
// is an approximation for periods shorter than a day.
func (q *Query) deriveLeaderboard(ctx context.Context, period string, now int64) ([]core.LeaderboardEntry, error) {
	periodStart := periodWindowStart(period, now)

	members, err := q.store.ZRangeByScore(ctx, core.DevicesKey(), float64(now-int64(q.retention.Seconds())), math.Inf(1), true, q.deriveCap)
	if err != nil {
		return nil, fmt.Errorf("range devices: %w", err)
	}

	entries := make([]core.LeaderboardEntry, 0, len(members))
	for _, m := range members {
		dayMembers, err := q.store.ZRangeByScore(ctx, core.HistMonthIndexKey(m.Member), float64(core.DayStart(periodStart)), float64(now), false, 0)
		if err != nil {
			return nil, fmt.Errorf("range day index %s: %w", m.Member, err)
		}
		var score float64
		for _, dm := range dayMembers {
			fields, err := q.store.HGetAll(ctx, dm.Member)
			if err != nil {
				return nil, fmt.Errorf("load bucket %s: %w", dm.Member, err)
			}
			sum, _ := strconv.ParseFloat(fields[core.FieldScoreSum], 64)
			score += sum
		}
		if score > 0 {
			entries = append(entries, core.LeaderboardEntry{DeviceID: m.Member, Score: score})
		}
	}
	return entries, nil
}

// periodWindowStart returns the epoch start of the current period window.
func periodWindowStart(period string, now int64) int64 {
	switch period {
	case core.PeriodHour:
		return core.HourStart(now)
	case core.PeriodWeek:
		t := time.Unix(core.DayStart(now), 0).UTC()
		// ISO weeks start on Monday.
		offset := (int(t.Weekday()) + 6) % 7
		return t.AddDate(0, 0, -offset).Unix()
	case core.PeriodMonth:
		t := time.Unix(now, 0).UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Unix()
	default:
		return core.DayStart(now)
	}
}
