package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"argus/core"
	"argus/metrics"
	"argus/storage"
)

// finalizeSession queues the writes that close one session: the immutable
// session record, its per-segment snapshots, the index entry, and the
// removal of the open-session accumulator. extra carries the contribution
// of the signal that is closing the session, which is not yet in the
// stored accumulator.
func (e *Engine) finalizeSession(ctx context.Context, b storage.Batch, id string, start, end int64, points float64, detections int64, extra map[string]float64, reason string) error {
	accum, err := e.store.HGetAll(ctx, core.SessionAccumKey(id))
	if err != nil {
		return fmt.Errorf("load session accumulator %s: %w", id, err)
	}

	type segTally struct {
		count  int64
		points float64
	}
	tallies := make(map[string]*segTally)
	for field, raw := range accum {
		var pair, kind string
		switch {
		case strings.HasSuffix(field, ":count"):
			pair, kind = strings.TrimSuffix(field, ":count"), "count"
		case strings.HasSuffix(field, ":points"):
			pair, kind = strings.TrimSuffix(field, ":points"), "points"
		default:
			continue
		}
		t := tallies[pair]
		if t == nil {
			t = &segTally{}
			tallies[pair] = t
		}
		if kind == "count" {
			t.count, _ = strconv.ParseInt(raw, 10, 64)
		} else {
			t.points, _ = strconv.ParseFloat(raw, 64)
		}
	}
	for pair, score := range extra {
		t := tallies[pair]
		if t == nil {
			t = &segTally{}
			tallies[pair] = t
		}
		t.count++
		t.points += score
	}

	pairs := make([]string, 0, len(tallies))
	for pair := range tallies {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	snapshots := make([]core.SessionSegment, 0, len(pairs))
	for _, pair := range pairs {
		cat, sub, ok := core.SplitSegmentPair(pair)
		if !ok {
			continue
		}
		t := tallies[pair]
		snapshots = append(snapshots, core.SessionSegment{
			Category:   cat,
			Subsection: sub,
			Detections: t.count,
			PointsSum:  t.points,
			AvgScore:   core.Clamp100(core.SafeAvg(t.points, t.count)),
		})
	}

	if end < start {
		end = start
	}
	session := core.Session{
		DeviceID:            id,
		Start:               start,
		End:                 end,
		DurationSeconds:     end - start,
		FinalThreatScore:    core.Clamp100(points),
		FinalBotProbability: core.BotProbability(points),
		Detections:          detections,
		SegmentCount:        len(snapshots),
	}

	payload, err := json.Marshal(&session)
	if err != nil {
		return fmt.Errorf("encode session %s/%d: %w", id, start, err)
	}
	b.SetString(core.SessionKey(id, start), string(payload), e.retention)

	for n, snap := range snapshots {
		data, err := json.Marshal(&snap)
		if err != nil {
			return fmt.Errorf("encode session segment %s/%d/%d: %w", id, start, n, err)
		}
		b.SetString(core.SessionSegmentKey(id, start, n), string(data), e.retention)
	}

	b.ZAdd(core.SessionIndexKey(id), strconv.FormatInt(start, 10), float64(start))
	b.Expire(core.SessionIndexKey(id), e.retention)
	b.Del(core.SessionAccumKey(id))

	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	e.logger.Debugw("Session closed",
		"device", id, "start", start, "end", end,
		"detections", detections, "reason", reason)
	return nil
}

// writeOpenSession queues the upsert of the device's active session
// record and its index entry, so an open session is listed alongside
// closed ones. The record carries End=0 until finalizeSession overwrites
// it with the closed form.
func (e *Engine) writeOpenSession(b storage.Batch, id string, start, lastActivity int64, points float64, detections int64) error {
	if lastActivity < start {
		lastActivity = start
	}
	session := core.Session{
		DeviceID:            id,
		Start:               start,
		DurationSeconds:     lastActivity - start,
		FinalThreatScore:    core.Clamp100(points),
		FinalBotProbability: core.BotProbability(points),
		Detections:          detections,
	}
	payload, err := json.Marshal(&session)
	if err != nil {
		return fmt.Errorf("encode open session %s/%d: %w", id, start, err)
	}
	b.SetString(core.SessionKey(id, start), string(payload), e.retention)
	b.ZAdd(core.SessionIndexKey(id), strconv.FormatInt(start, 10), float64(start))
	b.Expire(core.SessionIndexKey(id), e.retention)
	return nil
}

// recentRing holds the last N signals for one device. Debugging aid for
// live snapshots; never a system of record.
type recentRing struct {
	mu   sync.Mutex
	sigs []*core.Signal
	max  int
}

func (r *recentRing) add(sig *core.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
	if len(r.sigs) > r.max {
		r.sigs = r.sigs[len(r.sigs)-r.max:]
	}
}

func (r *recentRing) latest(limit int) []*core.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sigs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*core.Signal, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.sigs[i])
	}
	return out
}

func (e *Engine) remember(sig *core.Signal) {
	ring, ok := e.recent.Get(sig.DeviceID)
	if !ok {
		ring = &recentRing{max: e.recentSize}
		e.recent.Add(sig.DeviceID, ring)
	}
	copied := *sig
	ring.add(&copied)
}

// Recent returns up to limit of the device's latest signals, most recent
// first. Satisfies the history package's RecentSource.
func (e *Engine) Recent(deviceID string, limit int) []*core.Signal {
	ring, ok := e.recent.Get(deviceID)
	if !ok {
		return nil
	}
	return ring.latest(limit)
}
