package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Hash field names shared by the rollup writer and the history reader.
const (
	FieldLabel       = "label"
	FieldTotal       = "total"
	FieldScoreSum    = "score_sum"
	FieldScoreCount  = "score_count"
	FieldLastTS      = "last_ts"
	FieldCategory    = "category"
	FieldSubsection  = "subsection"
	FieldGranularity = "granularity"
	FieldCount       = "count"
	FieldPointsSum   = "points_sum"

	categoryFieldPrefix = "cat:"
	statusFieldPrefix   = "status:"
)

// Bucket is one device's aggregate over a fixed hour or day window.
// Totals are maintained exclusively by atomic increments so replaying the
// same signals in any order yields the same counts.
type Bucket struct {
	Label      string           `json:"label"`
	Start      int64            `json:"start"`
	Total      int64            `json:"total"`
	ScoreSum   float64          `json:"score_sum"`
	ScoreCount int64            `json:"score_count"`
	ByCategory map[string]int64 `json:"by_category,omitempty"`
	ByStatus   map[string]int64 `json:"by_status,omitempty"`
	LastTS     int64            `json:"last_ts"`
}

// AvgScore is the bucket's mean point contribution, zero-guarded and
// clamped to [0, 100].
func (b *Bucket) AvgScore() float64 {
	return Clamp100(SafeAvg(b.ScoreSum, b.ScoreCount))
}

// ParseBucket decodes a bucket from its stored hash form. An empty hash is
// not a bucket; a hash without a parsable total is malformed.
func ParseBucket(fields map[string]string, start int64) (*Bucket, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty bucket hash")
	}
	total, err := strconv.ParseInt(fields[FieldTotal], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bucket total %q: %w", fields[FieldTotal], err)
	}
	b := &Bucket{
		Label:      fields[FieldLabel],
		Start:      start,
		Total:      total,
		ByCategory: map[string]int64{},
		ByStatus:   map[string]int64{},
	}
	b.ScoreSum, _ = strconv.ParseFloat(fields[FieldScoreSum], 64)
	b.ScoreCount, _ = strconv.ParseInt(fields[FieldScoreCount], 10, 64)
	b.LastTS, _ = strconv.ParseInt(fields[FieldLastTS], 10, 64)
	for k, v := range fields {
		if strings.HasPrefix(k, categoryFieldPrefix) {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				b.ByCategory[strings.TrimPrefix(k, categoryFieldPrefix)] = n
			}
		} else if strings.HasPrefix(k, statusFieldPrefix) {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				b.ByStatus[strings.TrimPrefix(k, statusFieldPrefix)] = n
			}
		}
	}
	return b, nil
}

// CategoryField returns the hash field holding one category's count.
func CategoryField(c Category) string { return categoryFieldPrefix + string(c) }

// StatusField returns the hash field holding one severity's count.
func StatusField(s Status) string { return statusFieldPrefix + string(s) }

// SegmentBucket is the aggregate for one (category, subsection) pairing at
// one granularity over one time window.
type SegmentBucket struct {
	Category    Category    `json:"category"`
	Subsection  string      `json:"subsection"`
	Granularity Granularity `json:"granularity"`
	Label       string      `json:"time_label"`
	Start       int64       `json:"start"`
	Count       int64       `json:"detection_count"`
	PointsSum   float64     `json:"points_sum"`
	LastTS      int64       `json:"last_ts"`
}

// AvgScore is the segment bucket's mean point contribution.
func (s *SegmentBucket) AvgScore() float64 {
	return Clamp100(SafeAvg(s.PointsSum, s.Count))
}

// ParseSegmentBucket decodes a segment bucket from its stored hash form.
func ParseSegmentBucket(fields map[string]string, start int64) (*SegmentBucket, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty segment hash")
	}
	count, err := strconv.ParseInt(fields[FieldCount], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("segment count %q: %w", fields[FieldCount], err)
	}
	sb := &SegmentBucket{
		Category:    Category(fields[FieldCategory]),
		Subsection:  fields[FieldSubsection],
		Granularity: Granularity(fields[FieldGranularity]),
		Label:       fields[FieldLabel],
		Start:       start,
		Count:       count,
	}
	sb.PointsSum, _ = strconv.ParseFloat(fields[FieldPointsSum], 64)
	sb.LastTS, _ = strconv.ParseInt(fields[FieldLastTS], 10, 64)
	return sb, nil
}

// SegmentSummary is the derived per-segment rollup returned alongside
// segment entries. TotalAvg carries the one-decimal-place rounding contract.
type SegmentSummary struct {
	Category        Category `json:"category"`
	Subsection      string   `json:"subsection"`
	TotalDetections int64    `json:"total_detections"`
	PointsSum       float64  `json:"points_sum"`
	TotalAvg        float64  `json:"total_avg"`
}
