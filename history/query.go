// Package history answers time-windowed read queries over the aggregates
// maintained by the rollup engine. Every window is clamped to the
// retention ceiling, and one malformed record never fails a whole query.
package history

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/storage"

	"go.uber.org/zap"
)

// RecentSource exposes the in-process recent-signal buffer maintained by
// the rollup engine.
type RecentSource interface {
	Recent(deviceID string, limit int) []*core.Signal
}

// Config wires a Query. Store and Logger are required.
type Config struct {
	Store           storage.Store
	Cache           *core.Cache
	Recent          RecentSource
	Retention       time.Duration
	OnlineThreshold time.Duration
	SummaryTTL      time.Duration // stored summary TTL
	MemoTTL         time.Duration // in-process memoization TTL
	SessionFetchCap int           // raw records fetched before filtering
	DeriveCap       int           // devices examined for derived leaderboards
	AllowScanRepair bool          // permit key-pattern scans when an index is empty
	Logger          *zap.SugaredLogger
	Clock           func() time.Time
}

// Query is the read side of the engine.
type Query struct {
	store           storage.Store
	cache           *core.Cache
	recent          RecentSource
	retention       time.Duration
	onlineThreshold time.Duration
	summaryTTL      time.Duration
	memoTTL         time.Duration
	sessionFetchCap int
	deriveCap       int
	allowScanRepair bool
	logger          *zap.SugaredLogger
	clock           func() time.Time
}

// New creates a history query engine.
func New(cfg Config) *Query {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.OnlineThreshold <= 0 {
		cfg.OnlineThreshold = 120 * time.Second
	}
	if cfg.SummaryTTL <= 0 {
		cfg.SummaryTTL = time.Hour
	}
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = 15 * time.Second
	}
	if cfg.SessionFetchCap <= 0 {
		cfg.SessionFetchCap = 500
	}
	if cfg.DeriveCap <= 0 {
		cfg.DeriveCap = 200
	}
	if cfg.Cache == nil {
		cfg.Cache = core.NewCache(core.DefaultCacheCapacity)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Query{
		store:           cfg.Store,
		cache:           cfg.Cache,
		recent:          cfg.Recent,
		retention:       cfg.Retention,
		onlineThreshold: cfg.OnlineThreshold,
		summaryTTL:      cfg.SummaryTTL,
		memoTTL:         cfg.MemoTTL,
		sessionFetchCap: cfg.SessionFetchCap,
		deriveCap:       cfg.DeriveCap,
		allowScanRepair: cfg.AllowScanRepair,
		logger:          cfg.Logger,
		clock:           cfg.Clock,
	}
}

func observe(op string, start time.Time) {
	metrics.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func recordCacheOutcome(status core.CacheStatus) {
	metrics.CacheHits.WithLabelValues(string(status)).Inc()
}

// Hourly returns the device's hour buckets for the last `hours` hours,
// most recent first. Requests past the retention ceiling are clamped, not
// rejected.
func (q *Query) Hourly(ctx context.Context, deviceID string, hours int) ([]*core.Bucket, core.CacheStatus, error) {
	defer observe("hourly", q.clock())

	maxHours := int(q.retention / time.Hour)
	if hours <= 0 {
		hours = 1
	}
	if hours > maxHours {
		hours = maxHours
	}

	key := fmt.Sprintf("dev:%s:hourly:%d", deviceID, hours)
	buckets, status, err := core.Memoize(q.cache, key, q.memoTTL, func() ([]*core.Bucket, error) {
		return q.fetchBuckets(ctx, core.HistIndexKey(deviceID), int64(hours)*3600)
	})
	recordCacheOutcome(status)
	return buckets, status, err
}

// Daily returns the device's day buckets for the last `days` days, most
// recent first, clamped to retention.
func (q *Query) Daily(ctx context.Context, deviceID string, days int) ([]*core.Bucket, core.CacheStatus, error) {
	defer observe("daily", q.clock())

	maxDays := int(q.retention / (24 * time.Hour))
	if maxDays < 1 {
		maxDays = 1
	}
	if days <= 0 {
		days = 1
	}
	if days > maxDays {
		days = maxDays
	}

	key := fmt.Sprintf("dev:%s:daily:%d", deviceID, days)
	buckets, status, err := core.Memoize(q.cache, key, q.memoTTL, func() ([]*core.Bucket, error) {
		return q.fetchBuckets(ctx, core.HistMonthIndexKey(deviceID), int64(days)*86400)
	})
	recordCacheOutcome(status)
	return buckets, status, err
}

// fetchBuckets range-queries a bucket index and loads each bucket hash,
// skipping records that fail to parse.
func (q *Query) fetchBuckets(ctx context.Context, indexKey string, windowSeconds int64) ([]*core.Bucket, error) {
	now := q.clock().Unix()
	members, err := q.store.ZRangeByScore(ctx, indexKey, float64(now-windowSeconds), float64(now), true, 0)
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", indexKey, err)
	}
	buckets := make([]*core.Bucket, 0, len(members))
	for _, m := range members {
		fields, err := q.store.HGetAll(ctx, m.Member)
		if err != nil {
			return nil, fmt.Errorf("load bucket %s: %w", m.Member, err)
		}
		if len(fields) == 0 {
			// Index entry outlived its bucket; the key expired.
			continue
		}
		b, err := core.ParseBucket(fields, int64(m.Score))
		if err != nil {
			metrics.MalformedRecords.WithLabelValues("bucket").Inc()
			q.logger.Debugw("Skipping malformed bucket", "key", m.Member, "error", err)
			continue
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// MinutePoint is one per-minute total, the higher-resolution fallback
// below hour buckets.
type MinutePoint struct {
	Label string `json:"label"`
	Start int64  `json:"start"`
	Total int64  `json:"total"`
}

// Minutely returns non-zero per-minute totals for the last `minutes`
// minutes, most recent first. Minute counters carry a short TTL, so the
// window is clamped to 24 hours.
func (q *Query) Minutely(ctx context.Context, deviceID string, minutes int) ([]MinutePoint, error) {
	defer observe("minutely", q.clock())

	const maxMinutes = 24 * 60
	if minutes <= 0 {
		minutes = 60
	}
	if minutes > maxMinutes {
		minutes = maxMinutes
	}

	now := core.MinuteStart(q.clock().Unix())
	points := make([]MinutePoint, 0, 16)
	for i := 0; i < minutes; i++ {
		start := now - int64(i)*60
		label := core.MinuteLabel(start)
		raw, err := q.store.GetString(ctx, core.MinuteKey(deviceID, label))
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, fmt.Errorf("load minute %s: %w", label, err)
		}
		total, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			metrics.MalformedRecords.WithLabelValues("minute").Inc()
			continue
		}
		if total > 0 {
			points = append(points, MinutePoint{Label: label, Start: start, Total: total})
		}
	}
	return points, nil
}

// Snapshot is the live view of one device.
type Snapshot struct {
	Device  *core.Device   `json:"device"`
	Signals []*core.Signal `json:"latest_signals,omitempty"`
}

// DeviceSnapshot returns the device's current state plus its latest
// signals. An unknown device is not an error: it yields a zeroed record.
func (q *Query) DeviceSnapshot(ctx context.Context, deviceID string) (*Snapshot, error) {
	defer observe("snapshot", q.clock())

	fields, err := q.store.HGetAll(ctx, core.DeviceKey(deviceID))
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", deviceID, err)
	}
	dev, err := core.ParseDevice(fields)
	if err != nil {
		dev = &core.Device{DeviceID: deviceID, Name: deviceID}
	}
	dev.Online = dev.IsOnline(q.clock().Unix(), q.onlineThreshold)

	snap := &Snapshot{Device: dev}
	if q.recent != nil {
		snap.Signals = q.recent.Recent(deviceID, 20)
	}
	return snap, nil
}

// Devices lists all known devices ordered by last_seen descending.
func (q *Query) Devices(ctx context.Context) ([]*core.Device, core.CacheStatus, error) {
	defer observe("devices", q.clock())

	devices, status, err := core.Memoize(q.cache, "devices:list", q.memoTTL, func() ([]*core.Device, error) {
		now := q.clock().Unix()
		members, err := q.store.ZRangeByScore(ctx, core.DevicesKey(), float64(now-int64(q.retention/time.Second)), math.Inf(1), true, 0)
		if err != nil {
			return nil, fmt.Errorf("range devices: %w", err)
		}
		out := make([]*core.Device, 0, len(members))
		for _, m := range members {
			fields, err := q.store.HGetAll(ctx, core.DeviceKey(m.Member))
			if err != nil {
				return nil, fmt.Errorf("load device %s: %w", m.Member, err)
			}
			dev, err := core.ParseDevice(fields)
			if err != nil {
				metrics.MalformedRecords.WithLabelValues("device").Inc()
				continue
			}
			dev.Online = dev.IsOnline(now, q.onlineThreshold)
			out = append(out, dev)
		}
		return out, nil
	})
	recordCacheOutcome(status)
	return devices, status, err
}
