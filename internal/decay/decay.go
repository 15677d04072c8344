// Package decay computes the time-based decay factor applied to a memory's
// importance at scoring time.
//
// Decay is a pure function of the time since last access:
//
//	raw = 2^(-lastAccessAge / halfLife)
//
// The scoring factor is floored at MinFactor so a memory never drops out of
// ranking without passing through an explicit retirement decision.
package decay

import (
	"errors"
	"math"
	"time"
)

const (
	// DefaultHalfLife halves an untouched memory's weight every week.
	DefaultHalfLife = 7 * 24 * time.Hour

	// DefaultMinFactor is the floor below which a memory is flagged for review.
	DefaultMinFactor = 0.05
)

// Policy holds the tunable decay parameters.
type Policy struct {
	HalfLife  time.Duration
	MinFactor float64
}

// DefaultPolicy returns the default decay parameters.
func DefaultPolicy() Policy {
	return Policy{HalfLife: DefaultHalfLife, MinFactor: DefaultMinFactor}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.HalfLife <= 0 {
		return errors.New("half life must be > 0")
	}
	if p.MinFactor <= 0 || p.MinFactor >= 1 || math.IsNaN(p.MinFactor) {
		return errors.New("min factor must be in (0, 1)")
	}
	return nil
}

// Raw returns the unfloored factor for a memory last accessed lastAccessAge
// ago. It is strictly decreasing in lastAccessAge and never reaches 0.
func (p Policy) Raw(lastAccessAge time.Duration) float64 {
	if lastAccessAge <= 0 {
		return 1
	}
	f := math.Exp2(-lastAccessAge.Seconds() / p.HalfLife.Seconds())
	if f <= 0 {
		return math.SmallestNonzeroFloat64
	}
	return f
}

// Decay returns the scoring factor in (0, 1]. age is the time since creation;
// a last-access age beyond it is clamped, since a memory can't be accessed
// before it exists.
func (p Policy) Decay(age, lastAccessAge time.Duration) float64 {
	if lastAccessAge > age && age >= 0 {
		lastAccessAge = age
	}
	return math.Max(p.Raw(lastAccessAge), p.MinFactor)
}

// NeedsReview reports whether the raw factor fell below the floor.
func (p Policy) NeedsReview(lastAccessAge time.Duration) bool {
	return p.Raw(lastAccessAge) < p.MinFactor
}
