// Package reinforce computes the importance boost applied each time a memory
// is included in a recall result.
package reinforce

import (
	"errors"
	"math"
)

// DefaultBoostRate is the boost granted by the first access.
const DefaultBoostRate = 0.1

// Policy holds the tunable reinforcement parameters.
type Policy struct {
	BoostRate float64
}

// DefaultPolicy returns the default reinforcement parameters.
func DefaultPolicy() Policy {
	return Policy{BoostRate: DefaultBoostRate}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.BoostRate < 0 || p.BoostRate > 1 || math.IsNaN(p.BoostRate) {
		return errors.New("boost rate must be in [0, 1]")
	}
	return nil
}

// Apply returns the new importance given the pre-access count:
//
//	clamp(base + BoostRate/(1+accessCount), 0, 1)
func (p Policy) Apply(base float64, accessCount int64) float64 {
	if accessCount < 0 {
		accessCount = 0
	}
	return Clamp(base + p.BoostRate/float64(1+accessCount))
}

// Clamp bounds v to [0, 1]. NaN maps to 0.
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
