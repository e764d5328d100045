package core

import (
	"fmt"
	"strconv"
	"time"
)

// Device hash field names.
const (
	DevFieldID                = "device_id"
	DevFieldName              = "device_name"
	DevFieldHostname          = "hostname"
	DevFieldNickname          = "nickname"
	DevFieldLastSeen          = "last_seen"
	DevFieldFirstSeen         = "first_seen"
	DevFieldIPAddress         = "ip_address"
	DevFieldThreatLevel       = "threat_level"
	DevFieldSessionStart      = "session_start"
	DevFieldSessionPoints     = "session_points"
	DevFieldSessionDetections = "session_detections"
)

// Device is the live record for one monitored device. It is created on the
// first signal for an unseen id and mutated on every subsequent signal; it
// is never deleted explicitly and expires with its keys.
type Device struct {
	DeviceID    string  `json:"device_id"`
	Name        string  `json:"device_name"`
	Hostname    string  `json:"hostname,omitempty"`
	Nickname    string  `json:"nickname,omitempty"`
	LastSeen    int64   `json:"last_seen"`  // epoch seconds
	FirstSeen   int64   `json:"first_seen"` // epoch seconds
	Online      bool    `json:"is_online"`
	ThreatLevel float64 `json:"threat_level"`
	IPAddress   string  `json:"ip_address,omitempty"`

	// Open-session bookkeeping, persisted in the device hash but not part
	// of the public snapshot.
	SessionStart      int64   `json:"-"`
	SessionPoints     float64 `json:"-"`
	SessionDetections int64   `json:"-"`
}

// IsOnline reports whether the device was seen within the active threshold.
// The boundary is exclusive: a device exactly at the threshold is offline.
func (d *Device) IsOnline(now int64, threshold time.Duration) bool {
	if d.LastSeen <= 0 {
		return false
	}
	return now-d.LastSeen < int64(threshold/time.Second)
}

// ParseDevice decodes a device from its stored hash form.
func ParseDevice(fields map[string]string) (*Device, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty device hash")
	}
	id := fields[DevFieldID]
	if id == "" {
		return nil, fmt.Errorf("device hash missing %s", DevFieldID)
	}
	d := &Device{
		DeviceID:  id,
		Name:      fields[DevFieldName],
		Hostname:  fields[DevFieldHostname],
		Nickname:  fields[DevFieldNickname],
		IPAddress: fields[DevFieldIPAddress],
	}
	d.LastSeen, _ = strconv.ParseInt(fields[DevFieldLastSeen], 10, 64)
	d.FirstSeen, _ = strconv.ParseInt(fields[DevFieldFirstSeen], 10, 64)
	d.ThreatLevel, _ = strconv.ParseFloat(fields[DevFieldThreatLevel], 64)
	d.SessionStart, _ = strconv.ParseInt(fields[DevFieldSessionStart], 10, 64)
	d.SessionPoints, _ = strconv.ParseFloat(fields[DevFieldSessionPoints], 64)
	d.SessionDetections, _ = strconv.ParseInt(fields[DevFieldSessionDetections], 10, 64)
	if d.Name == "" {
		d.Name = id
	}
	return d, nil
}

// PlayerSummary is a cached rollup of a device's all-time stats within the
// retention window. It is derived data: it must always be reconstructable
// from hour buckets and sessions, and the recomputed form is identical in
// shape to the cached form.
type PlayerSummary struct {
	DeviceID           string  `json:"device_id"`
	TotalSessions      int64   `json:"total_sessions"`
	TotalDetections    int64   `json:"total_detections"`
	AvgSessionDuration float64 `json:"avg_session_duration"`
	DaysActive         int64   `json:"days_active"`
	FirstSeen          int64   `json:"first_seen"`
	LastSeen           int64   `json:"last_seen"`
	GeneratedAt        int64   `json:"generated_at"`
}

// LeaderboardEntry is one ranked row of a period leaderboard.
type LeaderboardEntry struct {
	DeviceID string  `json:"device_id"`
	Score    float64 `json:"score"`
}
