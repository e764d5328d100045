package core

import (
	"regexp"
	"strings"
)

// Session is one continuous span of device activity, bounded by idle gaps
// or an explicit end-of-session event. Closed sessions are immutable.
type Session struct {
	DeviceID            string  `json:"device_id"`
	Start               int64   `json:"session_start"`
	End                 int64   `json:"session_end"` // 0 while open
	DurationSeconds     int64   `json:"duration_seconds"`
	FinalThreatScore    float64 `json:"final_threat_score"`
	FinalBotProbability float64 `json:"final_bot_probability"`
	Detections          int64   `json:"detections"`
	SegmentCount        int     `json:"segment_count"`

	// Segments is populated on read when snapshot enrichment is requested.
	Segments []SessionSegment `json:"segments,omitempty"`
}

// SessionSegment is a per-segment statistics snapshot taken when a session
// is finalized.
type SessionSegment struct {
	Category   Category `json:"category"`
	Subsection string   `json:"subsection"`
	Detections int64    `json:"detections"`
	PointsSum  float64  `json:"points_sum"`
	AvgScore   float64  `json:"avg_score"`
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool { return s.End == 0 }

// endOfSessionRe recognizes explicit end-of-session system events.
var endOfSessionRe = regexp.MustCompile(`(?i)(session[_\s-]?end|client[_\s-]?(shutdown|exit)|logout)`)

// IsSessionEnd reports whether a signal explicitly closes the device's
// open session.
func IsSessionEnd(sig *Signal) bool {
	return sig.Category == CategorySystem && endOfSessionRe.MatchString(sig.Name)
}

// SessionFilter narrows a session listing. Nil fields are not applied.
// Filtering always happens after fetch; the index can only order by start.
type SessionFilter struct {
	MinDuration *int64   `json:"min_duration,omitempty"`
	MaxDuration *int64   `json:"max_duration,omitempty"`
	MinScore    *float64 `json:"min_score,omitempty"`
	MaxScore    *float64 `json:"max_score,omitempty"`
}

// Match reports whether a session passes every set predicate.
func (f SessionFilter) Match(s *Session) bool {
	if f.MinDuration != nil && s.DurationSeconds < *f.MinDuration {
		return false
	}
	if f.MaxDuration != nil && s.DurationSeconds > *f.MaxDuration {
		return false
	}
	if f.MinScore != nil && s.FinalThreatScore < *f.MinScore {
		return false
	}
	if f.MaxScore != nil && s.FinalThreatScore > *f.MaxScore {
		return false
	}
	return true
}

// SegmentPair formats a (category, subsection) pair for the segment index.
func SegmentPair(cat Category, sub string) string {
	return string(cat) + ":" + sub
}

// SplitSegmentPair parses a segment index member back into its parts.
func SplitSegmentPair(pair string) (Category, string, bool) {
	i := strings.IndexByte(pair, ':')
	if i <= 0 || i == len(pair)-1 {
		return "", "", false
	}
	return Category(pair[:i]), pair[i+1:], true
}
