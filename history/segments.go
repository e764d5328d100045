package history

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"argus/core"
	"argus/metrics"
)

// SegmentFilter narrows a segment report. Zero values match everything.
type SegmentFilter struct {
	Category   core.Category
	Subsection string
}

func (f SegmentFilter) match(cat core.Category, sub string) bool {
	if f.Category != "" && f.Category != cat {
		return false
	}
	if f.Subsection != "" && f.Subsection != sub {
		return false
	}
	return true
}

// SegmentReport is the merged hourly and daily view of a device's
// segments plus a derived per-segment summary.
type SegmentReport struct {
	Entries []*core.SegmentBucket `json:"entries"`
	Summary []core.SegmentSummary `json:"per_segment_summary"`
}

// Segments returns the device's segment buckets for the last `hours`
// hours (hourly granularity) and `days` days (daily granularity), merged
// and sorted most recent first. The summary aggregates over daily buckets
// when any exist, hourly otherwise, so totals are never double counted.
func (q *Query) Segments(ctx context.Context, deviceID string, filter SegmentFilter, hours, days int) (*SegmentReport, core.CacheStatus, error) {
	defer observe("segments", q.clock())

	maxHours := int(q.retention.Hours())
	if hours <= 0 {
		hours = 24
	}
	if hours > maxHours {
		hours = maxHours
	}
	maxDays := maxHours / 24
	if maxDays < 1 {
		maxDays = 1
	}
	if days <= 0 {
		days = maxDays
	}
	if days > maxDays {
		days = maxDays
	}

	key := fmt.Sprintf("dev:%s:segments:%s:%s:%d:%d", deviceID, filter.Category, filter.Subsection, hours, days)
	report, status, err := core.Memoize(q.cache, key, q.memoTTL, func() (*SegmentReport, error) {
		return q.buildSegmentReport(ctx, deviceID, filter, hours, days)
	})
	recordCacheOutcome(status)
	return report, status, err
}

func (q *Query) buildSegmentReport(ctx context.Context, deviceID string, filter SegmentFilter, hours, days int) (*SegmentReport, error) {
	pairs, err := q.segmentPairs(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	report := &SegmentReport{
		Entries: make([]*core.SegmentBucket, 0, 16),
		Summary: make([]core.SegmentSummary, 0, len(pairs)),
	}
	for _, pair := range pairs {
		cat, sub, ok := core.SplitSegmentPair(pair)
		if !ok {
			metrics.MalformedRecords.WithLabelValues("segment_pair").Inc()
			continue
		}
		if !filter.match(cat, sub) {
			continue
		}

		hourly, err := q.fetchSegmentBuckets(ctx, deviceID, cat, sub, core.GranularityHourly, int64(hours)*3600)
		if err != nil {
			return nil, err
		}
		daily, err := q.fetchSegmentBuckets(ctx, deviceID, cat, sub, core.GranularityDaily, int64(days)*86400)
		if err != nil {
			return nil, err
		}
		report.Entries = append(report.Entries, hourly...)
		report.Entries = append(report.Entries, daily...)

		// Daily buckets cover the wider window; they are authoritative for
		// the summary. Hourly fills in only when no day bucket survived.
		source := daily
		if len(source) == 0 {
			source = hourly
		}
		var count int64
		var points float64
		for _, sb := range source {
			count += sb.Count
			points += sb.PointsSum
		}
		if count == 0 {
			continue
		}
		report.Summary = append(report.Summary, core.SegmentSummary{
			Category:        cat,
			Subsection:      sub,
			TotalDetections: count,
			PointsSum:       points,
			TotalAvg:        core.RoundAvg1(points, count),
		})
	}

	sort.Slice(report.Entries, func(i, j int) bool {
		a, b := report.Entries[i], report.Entries[j]
		if a.Start != b.Start {
			return a.Start > b.Start
		}
		if a.Granularity != b.Granularity {
			return a.Granularity < b.Granularity
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Subsection < b.Subsection
	})
	return report, nil
}

// segmentPairs lists the device's known "category:subsection" pairs from
// the segment index set, falling back to a key scan when the index is
// empty and repair scans are allowed.
func (q *Query) segmentPairs(ctx context.Context, deviceID string) ([]string, error) {
	pairs, err := q.store.SMembers(ctx, core.SegmentIndexKey(deviceID))
	if err != nil {
		return nil, fmt.Errorf("load segment index %s: %w", deviceID, err)
	}
	if len(pairs) > 0 || !q.allowScanRepair {
		return pairs, nil
	}

	keys, err := q.store.ScanKeys(ctx, "segment:"+deviceID+":*")
	if err != nil {
		return nil, fmt.Errorf("scan segments %s: %w", deviceID, err)
	}
	seen := make(map[string]struct{})
	prefix := "segment:" + deviceID + ":"
	for _, k := range keys {
		// segment:{id}:{category}:{subsection}:{granularity}:{label}
		rest := strings.TrimPrefix(k, prefix)
		parts := strings.Split(rest, ":")
		if len(parts) != 4 {
			continue
		}
		seen[parts[0]+":"+parts[1]] = struct{}{}
	}
	pairs = make([]string, 0, len(seen))
	for p := range seen {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	if len(pairs) > 0 {
		q.logger.Warnw("Segment index empty, recovered pairs via scan",
			"device", deviceID, "pairs", len(pairs))
	}
	return pairs, nil
}

func (q *Query) fetchSegmentBuckets(ctx context.Context, deviceID string, cat core.Category, sub string, gran core.Granularity, windowSeconds int64) ([]*core.SegmentBucket, error) {
	now := q.clock().Unix()
	setKey := core.SegmentSetKey(deviceID, cat, sub, gran)
	members, err := q.store.ZRangeByScore(ctx, setKey, float64(now-windowSeconds), float64(now), true, 0)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", setKey, err)
	}
	out := make([]*core.SegmentBucket, 0, len(members))
	for _, m := range members {
		fields, err := q.store.HGetAll(ctx, m.Member)
		if err != nil {
			return nil, fmt.Errorf("load segment %s: %w", m.Member, err)
		}
		if len(fields) == 0 {
			continue
		}
		sb, err := core.ParseSegmentBucket(fields, int64(m.Score))
		if err != nil {
			metrics.MalformedRecords.WithLabelValues("segment").Inc()
			q.logger.Debugw("Skipping malformed segment bucket", "key", m.Member, "error", err)
			continue
		}
		out = append(out, sb)
	}
	return out, nil
}
