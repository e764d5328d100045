package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"argus/core"
	"argus/metrics"
	"argus/storage"
)

// Summary returns the device's rollup summary. A stored summary is served
// as-is; when it is absent or unreadable the summary is recomputed from
// hour buckets, day buckets, and session records, then stored with a
// short TTL. Both paths yield the same shape.
func (q *Query) Summary(ctx context.Context, deviceID string) (*core.PlayerSummary, core.CacheStatus, error) {
	defer observe("summary", q.clock())

	key := "dev:" + deviceID + ":summary"
	summary, status, err := core.Memoize(q.cache, key, q.memoTTL, func() (*core.PlayerSummary, error) {
		raw, err := q.store.GetString(ctx, core.SummaryKey(deviceID))
		if err == nil {
			var s core.PlayerSummary
			if jerr := json.Unmarshal([]byte(raw), &s); jerr == nil && s.DeviceID == deviceID {
				return &s, nil
			}
			metrics.MalformedRecords.WithLabelValues("summary").Inc()
		} else if err != storage.ErrNotFound {
			return nil, fmt.Errorf("load summary %s: %w", deviceID, err)
		}
		return q.recomputeSummary(ctx, deviceID)
	})
	recordCacheOutcome(status)
	return summary, status, err
}

func (q *Query) recomputeSummary(ctx context.Context, deviceID string) (*core.PlayerSummary, error) {
	now := q.clock().Unix()
	floor := now - int64(q.retention.Seconds())

	summary := &core.PlayerSummary{
		DeviceID:    deviceID,
		GeneratedAt: now,
	}

	fields, err := q.store.HGetAll(ctx, core.DeviceKey(deviceID))
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", deviceID, err)
	}
	if dev, derr := core.ParseDevice(fields); derr == nil {
		summary.FirstSeen = dev.FirstSeen
		summary.LastSeen = dev.LastSeen
	}

	// Total detections come from hour buckets, the finest durable aggregate.
	hourMembers, err := q.store.ZRangeByScore(ctx, core.HistIndexKey(deviceID), float64(floor), float64(now), false, 0)
	if err != nil {
		return nil, fmt.Errorf("range hour index %s: %w", deviceID, err)
	}
	for _, m := range hourMembers {
		bucket, err := q.store.HGetAll(ctx, m.Member)
		if err != nil {
			return nil, fmt.Errorf("load bucket %s: %w", m.Member, err)
		}
		total, perr := strconv.ParseInt(bucket[core.FieldTotal], 10, 64)
		if perr != nil {
			metrics.MalformedRecords.WithLabelValues("bucket").Inc()
			continue
		}
		summary.TotalDetections += total
	}

	// Days active is the number of surviving day buckets.
	dayMembers, err := q.store.ZRangeByScore(ctx, core.HistMonthIndexKey(deviceID), float64(floor), float64(now), false, 0)
	if err != nil {
		return nil, fmt.Errorf("range day index %s: %w", deviceID, err)
	}
	summary.DaysActive = int64(len(dayMembers))

	sessionMembers, err := q.store.ZRangeByScore(ctx, core.SessionIndexKey(deviceID), float64(floor), float64(now), true, q.sessionFetchCap)
	if err != nil {
		return nil, fmt.Errorf("range sessions %s: %w", deviceID, err)
	}
	summary.TotalSessions = int64(len(sessionMembers))
	var durationSum int64
	var durationCount int64
	for _, m := range sessionMembers {
		start, perr := strconv.ParseInt(m.Member, 10, 64)
		if perr != nil {
			continue
		}
		raw, err := q.store.GetString(ctx, core.SessionKey(deviceID, start))
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, fmt.Errorf("load session %s/%d: %w", deviceID, start, err)
		}
		var s core.Session
		if jerr := json.Unmarshal([]byte(raw), &s); jerr != nil {
			metrics.MalformedRecords.WithLabelValues("session").Inc()
			continue
		}
		durationSum += s.DurationSeconds
		durationCount++
	}
	if durationCount > 0 {
		summary.AvgSessionDuration = float64(durationSum) / float64(durationCount)
	}

	// Store best effort; a failed write only means the next reader recomputes.
	if payload, jerr := json.Marshal(summary); jerr == nil {
		if serr := q.store.SetString(ctx, core.SummaryKey(deviceID), string(payload), q.summaryTTL); serr != nil {
			q.logger.Warnw("Failed to store recomputed summary", "device", deviceID, "error", serr)
		}
	}
	return summary, nil
}
