package core

import (
	"regexp"
	"strings"
)

// Canonical name-source identifiers, in their default priority order.
const (
	SourceDeviceName    = "device_name"
	SourceHostname      = "hostname"
	SourceBatchHost     = "batch_host"
	SourceNickname      = "nickname"
	SourceBatchNickname = "batch_nickname"
)

// DefaultNamePriority is the built-in ordering of name sources, used when
// no priority list is configured.
var DefaultNamePriority = []string{
	SourceDeviceName,
	SourceHostname,
	SourceBatchHost,
	SourceNickname,
	SourceBatchNickname,
}

var (
	hexIDRe     = regexp.MustCompile(`^[0-9a-fA-F]{32,}$`)
	hexPairIDRe = regexp.MustCompile(`^[0-9a-fA-F]{16,}_[0-9a-fA-F]{16,}$`)
)

// LooksLikeOpaqueID reports whether a candidate name has the shape of an
// opaque identifier rather than a human-readable label: a long hex string,
// or two long hex tokens joined by an underscore.
func LooksLikeOpaqueID(s string) bool {
	return hexIDRe.MatchString(s) || hexPairIDRe.MatchString(s)
}

// ResolveDeviceName picks a human-readable label for a device from a set of
// candidate sources. Sources are tried in priority order; a candidate is
// rejected if it is empty, equal to the raw device id, or id-shaped. When
// nothing is acceptable the raw id is returned unchanged.
//
// The function is pure: identical inputs always resolve identically. It is
// used both for display and to decide whether a name may be persisted, so
// an id-shaped string is never stored as a name.
func ResolveDeviceName(deviceID string, sources map[string]string, priority []string) string {
	if len(priority) == 0 {
		priority = DefaultNamePriority
	}
	for _, src := range priority {
		candidate := strings.TrimSpace(sources[src])
		if candidate == "" || candidate == deviceID {
			continue
		}
		if LooksLikeOpaqueID(candidate) {
			continue
		}
		return candidate
	}
	return deviceID
}
