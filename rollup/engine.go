// Package rollup folds raw detection signals into their owning device,
// bucket, segment and session aggregates.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/storage"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ErrMissingDeviceID is returned for signals without a device id. Garbage
// ids are still recorded (identity validation is a caller concern), but an
// empty id has no keyspace to land in.
var ErrMissingDeviceID = errors.New("signal has no device_id")

// Enricher is a best-effort side lookup triggered from ingestion, e.g. an
// external reputation check. Enrichers run on the bounded task queue and
// never block or fail the rollup itself.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, sig *core.Signal) error
}

// Config wires an Engine. Store and Logger are required; everything else
// has a usable default.
type Config struct {
	Store        storage.Store
	Cache        *core.Cache
	Score        core.ScoreFunc
	Router       core.RoutingPolicy
	NamePriority []string
	Retention    time.Duration // TTL ceiling for every touched key
	MinuteTTL    time.Duration // TTL for per-minute counters
	SessionGap   time.Duration // idle gap that closes a session
	RecentPerDev int           // ring size of the per-device recent buffer
	RecentDevs   int           // LRU capacity of the recent buffer
	Enrichers    []Enricher
	Tasks        *core.TaskQueue
	Logger       *zap.SugaredLogger
	Clock        func() time.Time
}

// Result is the per-item outcome of a batch ingest.
type Result struct {
	Index    int    `json:"index"`
	DeviceID string `json:"device_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Engine performs idempotent-safe incremental rollups. All counter updates
// are expressed as storage-level increments, so replaying the same signals
// in any order produces the same bucket totals.
type Engine struct {
	store        storage.Store
	cache        *core.Cache
	score        core.ScoreFunc
	router       core.RoutingPolicy
	namePriority []string
	retention    time.Duration
	minuteTTL    time.Duration
	sessionGap   int64 // seconds
	enrichers    []Enricher
	tasks        *core.TaskQueue
	logger       *zap.SugaredLogger
	clock        func() time.Time
	recent       *lru.Cache[string, *recentRing]
	recentSize   int
}

// New creates a rollup engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("rollup: store is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("rollup: logger is required")
	}
	if cfg.Score == nil {
		cfg.Score = core.DefaultScore
	}
	if cfg.Router == nil {
		cfg.Router = core.NewKeywordRouter(core.DefaultRoutingRules())
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.MinuteTTL <= 0 {
		cfg.MinuteTTL = 25 * time.Hour
	}
	if cfg.SessionGap <= 0 {
		cfg.SessionGap = 30 * time.Minute
	}
	if cfg.RecentPerDev <= 0 {
		cfg.RecentPerDev = 50
	}
	if cfg.RecentDevs <= 0 {
		cfg.RecentDevs = 512
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	recent, err := lru.New[string, *recentRing](cfg.RecentDevs)
	if err != nil {
		return nil, fmt.Errorf("rollup: recent buffer: %w", err)
	}
	return &Engine{
		store:        cfg.Store,
		cache:        cfg.Cache,
		score:        cfg.Score,
		router:       cfg.Router,
		namePriority: cfg.NamePriority,
		retention:    cfg.Retention,
		minuteTTL:    cfg.MinuteTTL,
		sessionGap:   int64(cfg.SessionGap / time.Second),
		enrichers:    cfg.Enrichers,
		tasks:        cfg.Tasks,
		logger:       cfg.Logger,
		clock:        cfg.Clock,
		recent:       recent,
		recentSize:   cfg.RecentPerDev,
	}, nil
}

// RecordSignal rolls one signal into its aggregates. Write failures
// propagate: a write cannot silently succeed against nothing.
func (e *Engine) RecordSignal(ctx context.Context, sig *core.Signal) error {
	if sig == nil || sig.DeviceID == "" {
		metrics.IngestFailures.WithLabelValues("missing_device").Inc()
		return ErrMissingDeviceID
	}
	sig.Normalize(e.clock())

	if err := e.rollup(ctx, sig); err != nil {
		metrics.IngestFailures.WithLabelValues("backend").Inc()
		return err
	}

	metrics.SignalsIngested.WithLabelValues(string(sig.Category), string(sig.Status)).Inc()
	e.remember(sig)
	e.invalidate(sig.DeviceID)
	e.submitEnrichers(sig)
	return nil
}

// RecordSignals rolls a batch, returning a per-item breakdown instead of
// failing all-or-nothing.
func (e *Engine) RecordSignals(ctx context.Context, sigs []*core.Signal) []Result {
	results := make([]Result, len(sigs))
	for i, sig := range sigs {
		res := Result{Index: i}
		if sig != nil {
			res.DeviceID = sig.DeviceID
		}
		if err := e.RecordSignal(ctx, sig); err != nil {
			res.Error = err.Error()
		} else {
			res.OK = true
		}
		results[i] = res
	}
	return results
}

// deviceState is the subset of the device hash the write path needs.
type deviceState struct {
	lastSeen          int64
	firstSeen         int64
	sessionStart      int64
	sessionPoints     float64
	sessionDetections int64
}

func parseDeviceState(fields map[string]string) deviceState {
	var st deviceState
	st.lastSeen, _ = strconv.ParseInt(fields[core.DevFieldLastSeen], 10, 64)
	st.firstSeen, _ = strconv.ParseInt(fields[core.DevFieldFirstSeen], 10, 64)
	st.sessionStart, _ = strconv.ParseInt(fields[core.DevFieldSessionStart], 10, 64)
	st.sessionPoints, _ = strconv.ParseFloat(fields[core.DevFieldSessionPoints], 64)
	st.sessionDetections, _ = strconv.ParseInt(fields[core.DevFieldSessionDetections], 10, 64)
	return st
}

func (e *Engine) rollup(ctx context.Context, sig *core.Signal) error {
	id := sig.DeviceID
	ts := sig.Timestamp

	devFields, err := e.store.HGetAll(ctx, core.DeviceKey(id))
	if err != nil {
		return fmt.Errorf("load device %s: %w", id, err)
	}
	st := parseDeviceState(devFields)

	score := e.score(sig.Category, sig.Status)
	seg := e.router.Route(sig)
	pair := core.SegmentPair(seg.Category, seg.Subsection)

	hourKey := core.HourKey(id, core.HourLabel(ts))
	dayKey := core.DayKey(id, core.DayLabel(ts))
	hourLast, err := e.bucketLastTS(ctx, hourKey)
	if err != nil {
		return err
	}
	dayLast, err := e.bucketLastTS(ctx, dayKey)
	if err != nil {
		return err
	}

	// Session transitions are the one tolerated read-then-write race: a
	// rare duplicate session is cosmetic, not a consistency problem.
	endEvent := core.IsSessionEnd(sig)
	hasOpen := st.sessionStart > 0
	idleGap := hasOpen && ts-st.lastSeen > e.sessionGap

	b := e.store.Batch()

	sessionStart := st.sessionStart
	sessionPoints := st.sessionPoints
	sessionDetections := st.sessionDetections

	if idleGap {
		// The previous session ended at its last activity, not at this
		// signal's timestamp.
		if err := e.finalizeSession(ctx, b, id, st.sessionStart, st.lastSeen, st.sessionPoints, st.sessionDetections, nil, "idle_gap"); err != nil {
			return err
		}
		hasOpen = false
	}

	switch {
	case !hasOpen && endEvent:
		// End event with nothing open: record the signal, leave no session.
		sessionStart, sessionPoints, sessionDetections = 0, 0, 0
	case !hasOpen:
		sessionStart = ts
		sessionPoints = score
		sessionDetections = 1
		metrics.SessionsOpened.Inc()
	default:
		sessionPoints += score
		sessionDetections++
	}

	if endEvent && sessionStart > 0 {
		extra := map[string]float64{pair: score}
		if err := e.finalizeSession(ctx, b, id, sessionStart, ts, sessionPoints, sessionDetections, extra, "end_event"); err != nil {
			return err
		}
		sessionStart, sessionPoints, sessionDetections = 0, 0, 0
	}

	newLast := st.lastSeen
	if ts > newLast {
		newLast = ts
	}
	firstSeen := st.firstSeen
	if firstSeen == 0 || ts < firstSeen {
		firstSeen = ts
	}

	e.writeDevice(b, sig, newLast, firstSeen, sessionStart, sessionPoints, sessionDetections)
	b.Incr(core.DetectionCountKey(id, sig.Status))
	b.Expire(core.DetectionCountKey(id, sig.Status), e.retention)

	e.writeBucket(b, hourKey, core.HistIndexKey(id), core.HourLabel(ts), core.HourStart(ts), sig, score, hourLast)
	e.writeBucket(b, dayKey, core.HistMonthIndexKey(id), core.DayLabel(ts), core.DayStart(ts), sig, score, dayLast)

	minuteKey := core.MinuteKey(id, core.MinuteLabel(ts))
	b.Incr(minuteKey)
	b.Expire(minuteKey, e.minuteTTL)

	e.writeSegment(b, id, seg, core.GranularityHourly, core.HourLabel(ts), core.HourStart(ts), score, ts)
	e.writeSegment(b, id, seg, core.GranularityDaily, core.DayLabel(ts), core.DayStart(ts), score, ts)
	b.SAdd(core.SegmentIndexKey(id), pair)
	b.Expire(core.SegmentIndexKey(id), e.retention)

	if sessionStart > 0 {
		if err := e.writeOpenSession(b, id, sessionStart, newLast, sessionPoints, sessionDetections); err != nil {
			return err
		}
		accumKey := core.SessionAccumKey(id)
		b.HIncrBy(accumKey, pair+":count", 1)
		if score != 0 {
			b.HIncrByFloat(accumKey, pair+":points", score)
		}
		b.Expire(accumKey, e.retention)
	}

	b.ZAddGT(core.DevicesKey(), id, float64(newLast))
	b.Expire(core.DevicesKey(), e.retention)

	if score > 0 {
		for _, period := range []string{core.PeriodHour, core.PeriodDay, core.PeriodWeek, core.PeriodMonth} {
			lbKey := core.LeaderboardKey(period, core.PeriodLabel(period, ts))
			b.ZIncrBy(lbKey, id, score)
			b.Expire(lbKey, e.retention)
		}
	}

	// Stored summary is derived data; drop it so the next read recomputes.
	b.Del(core.SummaryKey(id))

	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("rollup %s: %w", id, err)
	}
	return nil
}

// writeDevice queues the device record upsert. last_seen and first_seen
// are merged by comparison, not last-write-wins, so out-of-order arrival
// cannot move them backwards.
func (e *Engine) writeDevice(b storage.Batch, sig *core.Signal, lastSeen, firstSeen, sessionStart int64, sessionPoints float64, sessionDetections int64) {
	id := sig.DeviceID
	fields := map[string]string{
		core.DevFieldID:                id,
		core.DevFieldLastSeen:          strconv.FormatInt(lastSeen, 10),
		core.DevFieldFirstSeen:         strconv.FormatInt(firstSeen, 10),
		core.DevFieldThreatLevel:       strconv.FormatFloat(core.Clamp100(sessionPoints), 'f', -1, 64),
		core.DevFieldSessionStart:      strconv.FormatInt(sessionStart, 10),
		core.DevFieldSessionPoints:     strconv.FormatFloat(sessionPoints, 'f', -1, 64),
		core.DevFieldSessionDetections: strconv.FormatInt(sessionDetections, 10),
	}
	if resolved := core.ResolveDeviceName(id, sig.NameSources(), e.namePriority); resolved != id {
		fields[core.DevFieldName] = resolved
	}
	if sig.Hostname != "" && !core.LooksLikeOpaqueID(sig.Hostname) {
		fields[core.DevFieldHostname] = sig.Hostname
	}
	if sig.Nickname != "" && !core.LooksLikeOpaqueID(sig.Nickname) {
		fields[core.DevFieldNickname] = sig.Nickname
	}
	if sig.IPAddress != "" {
		fields[core.DevFieldIPAddress] = sig.IPAddress
	}
	b.HSet(core.DeviceKey(id), fields)
	b.Expire(core.DeviceKey(id), e.retention)
}

// writeBucket queues the increments for one hour or day bucket and its
// index entry. The bucket total is incremented exactly once per signal;
// totals are never re-derived outside recovery paths.
func (e *Engine) writeBucket(b storage.Batch, bucketKey, indexKey, label string, start int64, sig *core.Signal, score float64, prevLastTS int64) {
	b.HIncrBy(bucketKey, core.FieldTotal, 1)
	b.HIncrBy(bucketKey, core.CategoryField(sig.Category), 1)
	b.HIncrBy(bucketKey, core.StatusField(sig.Status), 1)
	if score != 0 {
		b.HIncrByFloat(bucketKey, core.FieldScoreSum, score)
		b.HIncrBy(bucketKey, core.FieldScoreCount, 1)
	}
	meta := map[string]string{core.FieldLabel: label}
	// last_ts is the bucket's own max, so an out-of-order signal landing
	// in an older bucket still stamps it.
	if sig.Timestamp >= prevLastTS {
		meta[core.FieldLastTS] = strconv.FormatInt(sig.Timestamp, 10)
	}
	b.HSet(bucketKey, meta)
	b.Expire(bucketKey, e.retention)

	b.ZAdd(indexKey, bucketKey, float64(start))
	b.Expire(indexKey, e.retention)
}

// bucketLastTS reads the bucket's stored last_ts so writeBucket can keep
// it a per-bucket max. A missing bucket or field reads as zero.
func (e *Engine) bucketLastTS(ctx context.Context, bucketKey string) (int64, error) {
	fields, err := e.store.HGetAll(ctx, bucketKey)
	if err != nil {
		return 0, fmt.Errorf("load bucket %s: %w", bucketKey, err)
	}
	last, _ := strconv.ParseInt(fields[core.FieldLastTS], 10, 64)
	return last, nil
}

func (e *Engine) writeSegment(b storage.Batch, id string, seg core.Segment, gran core.Granularity, label string, start int64, score float64, ts int64) {
	segKey := core.SegmentKey(id, seg.Category, seg.Subsection, gran, label)
	b.HIncrBy(segKey, core.FieldCount, 1)
	if score != 0 {
		b.HIncrByFloat(segKey, core.FieldPointsSum, score)
	}
	b.HSet(segKey, map[string]string{
		core.FieldLabel:       label,
		core.FieldCategory:    string(seg.Category),
		core.FieldSubsection:  seg.Subsection,
		core.FieldGranularity: string(gran),
		core.FieldLastTS:      strconv.FormatInt(ts, 10),
	})
	b.Expire(segKey, e.retention)

	setKey := core.SegmentSetKey(id, seg.Category, seg.Subsection, gran)
	b.ZAdd(setKey, segKey, float64(start))
	b.Expire(setKey, e.retention)
}

func (e *Engine) invalidate(id string) {
	if e.cache == nil {
		return
	}
	e.cache.InvalidatePrefix("dev:" + id + ":")
	e.cache.Invalidate("devices:list")
}

func (e *Engine) submitEnrichers(sig *core.Signal) {
	if e.tasks == nil {
		return
	}
	for _, en := range e.enrichers {
		en := en
		copied := *sig
		if err := e.tasks.Submit(en.Name(), func(ctx context.Context) error {
			return en.Enrich(ctx, &copied)
		}); err != nil {
			e.logger.Debugw("Enricher not queued", "enricher", en.Name(), "error", err)
		}
	}
}
