package core

import "time"

// Category classifies the origin of a detection signal.
type Category string

const (
	CategoryPrograms  Category = "programs"
	CategoryNetwork   Category = "network"
	CategoryBehaviour Category = "behaviour"
	CategoryVM        Category = "vm"
	CategoryAuto      Category = "auto"
	CategorySystem    Category = "system"
)

// Categories lists all known categories in display order.
var Categories = []Category{
	CategoryPrograms,
	CategoryNetwork,
	CategoryBehaviour,
	CategoryVM,
	CategoryAuto,
	CategorySystem,
}

// Valid reports whether the category is one of the known values.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// Status is the severity of a signal, ordered CRITICAL > ALERT > WARN > INFO.
type Status string

const (
	StatusInfo     Status = "INFO"
	StatusWarn     Status = "WARN"
	StatusAlert    Status = "ALERT"
	StatusCritical Status = "CRITICAL"
)

// Rank returns the numeric severity ordering, higher is more severe.
func (s Status) Rank() int {
	switch s {
	case StatusCritical:
		return 3
	case StatusAlert:
		return 2
	case StatusWarn:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the status is one of the known severities.
func (s Status) Valid() bool {
	switch s {
	case StatusInfo, StatusWarn, StatusAlert, StatusCritical:
		return true
	}
	return false
}

// Signal is one atomic detection event reported by a monitored device.
// Signals are consumed by the rollup engine and are not the system of
// record for history; aggregates are.
type Signal struct {
	DeviceID  string   `json:"device_id" msgpack:"device_id" validate:"required,min=1,max=128"`
	Timestamp int64    `json:"timestamp" msgpack:"timestamp"` // epoch seconds; 0 means ingest-time now
	Category  Category `json:"category" msgpack:"category" validate:"required"`
	Name      string   `json:"name" msgpack:"name" validate:"required,max=256"`
	Status    Status   `json:"status" msgpack:"status"`
	Details   string   `json:"details,omitempty" msgpack:"details"`

	// Optional identity hints carried alongside the detection payload.
	DeviceName    string `json:"device_name,omitempty" msgpack:"device_name"`
	Hostname      string `json:"hostname,omitempty" msgpack:"hostname"`
	Nickname      string `json:"nickname,omitempty" msgpack:"nickname"`
	BatchHost     string `json:"batch_host,omitempty" msgpack:"batch_host"`
	BatchNickname string `json:"batch_nickname,omitempty" msgpack:"batch_nickname"`
	IPAddress     string `json:"ip_address,omitempty" msgpack:"ip_address"`
}

// Normalize fills derivable defaults in place: a missing timestamp becomes
// now, a missing status becomes INFO.
func (s *Signal) Normalize(now time.Time) {
	if s.Timestamp <= 0 {
		s.Timestamp = now.Unix()
	}
	if s.Status == "" {
		s.Status = StatusInfo
	}
}

// NameSources returns the identity hint fields keyed by their canonical
// source names, as consumed by ResolveDeviceName.
func (s *Signal) NameSources() map[string]string {
	return map[string]string{
		SourceDeviceName:    s.DeviceName,
		SourceHostname:      s.Hostname,
		SourceNickname:      s.Nickname,
		SourceBatchHost:     s.BatchHost,
		SourceBatchNickname: s.BatchNickname,
	}
}
