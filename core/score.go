package core

import "math"

// ScoreFunc maps a signal's category and severity to its numeric point
// contribution. The weighting table is owned by the caller and injected;
// the engine only accumulates whatever it returns.
type ScoreFunc func(Category, Status) float64

// DefaultScore is the built-in weighting table used when no ScoreFunc is
// injected.
func DefaultScore(_ Category, s Status) float64 {
	switch s {
	case StatusCritical:
		return 30
	case StatusAlert:
		return 15
	case StatusWarn:
		return 5
	default:
		return 1
	}
}

// Clamp100 clamps a percentage-like score into [0, 100].
func Clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// SafeAvg divides sum by count, returning 0 instead of NaN/Inf when count
// is not positive.
func SafeAvg(sum float64, count int64) float64 {
	if count <= 0 {
		return 0
	}
	return sum / float64(count)
}

// RoundAvg1 is the per-segment summary average: points divided by count,
// rounded to one decimal place. RoundAvg1(37, 3) == 12.3.
func RoundAvg1(points float64, count int64) float64 {
	if count <= 0 {
		return 0
	}
	return math.Round(points/float64(count)*10) / 10
}

// BotProbability derives a 0-100 likelihood estimate from accumulated
// session points. Asymptotic so it never saturates on a single burst.
func BotProbability(points float64) float64 {
	if points <= 0 {
		return 0
	}
	return Clamp100(100 * points / (points + 100))
}
