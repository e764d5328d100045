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

// Sessions returns the device's sessions newer than `since` (epoch
// seconds), most recent first. The currently open session, if any, is
// included with End=0. `since` is clamped to the retention floor, raw
// fetches are capped before filtering, and the filter is applied client
// side so partial index damage cannot hide valid records.
func (q *Query) Sessions(ctx context.Context, deviceID string, since int64, filter core.SessionFilter, includeSegments bool) ([]*core.Session, error) {
	defer observe("sessions", q.clock())

	now := q.clock().Unix()
	floor := now - int64(q.retention.Seconds())
	if since < floor {
		since = floor
	}

	members, err := q.store.ZRangeByScore(ctx, core.SessionIndexKey(deviceID), float64(since), float64(now), true, q.sessionFetchCap)
	if err != nil {
		return nil, fmt.Errorf("range sessions %s: %w", deviceID, err)
	}

	sessions := make([]*core.Session, 0, len(members))
	for _, m := range members {
		start, err := strconv.ParseInt(m.Member, 10, 64)
		if err != nil {
			metrics.MalformedRecords.WithLabelValues("session_index").Inc()
			continue
		}
		raw, err := q.store.GetString(ctx, core.SessionKey(deviceID, start))
		if err != nil {
			if err == storage.ErrNotFound {
				// Record expired ahead of its index entry.
				continue
			}
			return nil, fmt.Errorf("load session %s/%d: %w", deviceID, start, err)
		}
		var s core.Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			metrics.MalformedRecords.WithLabelValues("session").Inc()
			q.logger.Debugw("Skipping malformed session", "device", deviceID, "start", start, "error", err)
			continue
		}
		if !filter.Match(&s) {
			continue
		}
		if includeSegments {
			q.attachSegments(ctx, &s)
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

// attachSegments loads the per-segment snapshots written at session close.
// Missing or malformed snapshots degrade to a shorter list, never an error.
func (q *Query) attachSegments(ctx context.Context, s *core.Session) {
	if s.SegmentCount <= 0 {
		return
	}
	s.Segments = make([]core.SessionSegment, 0, s.SegmentCount)
	for n := 0; n < s.SegmentCount; n++ {
		raw, err := q.store.GetString(ctx, core.SessionSegmentKey(s.DeviceID, s.Start, n))
		if err != nil {
			continue
		}
		var seg core.SessionSegment
		if err := json.Unmarshal([]byte(raw), &seg); err != nil {
			metrics.MalformedRecords.WithLabelValues("session_segment").Inc()
			continue
		}
		s.Segments = append(s.Segments, seg)
	}
}
