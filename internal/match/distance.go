package match

import (
	"errors"
	"fmt"

	"pixmatch/internal/hash"
	"pixmatch/internal/models"
)

const (
	MinStrength = 1
	MaxStrength = 10

	// DefaultStrength allows a distance of 12 bits.
	DefaultStrength = 5

	// MaxDistance is the largest Hamming distance between two 64-bit hashes.
	MaxDistance = 64
)

// ErrInvalidStrength is returned for strengths outside MinStrength..MaxStrength.
var ErrInvalidStrength = errors.New("strength must be between 1 and 10")

// Policy is the active comparison setting of a clustering run.
type Policy struct {
	Strength int
	// Exact compares SHA256 content hashes instead of perceptual distance.
	Exact bool
}

// NewPolicy validates strength and returns the policy.
func NewPolicy(strength int, exact bool) (Policy, error) {
	if strength < MinStrength || strength > MaxStrength {
		return Policy{}, fmt.Errorf("%w: got %d", ErrInvalidStrength, strength)
	}
	return Policy{Strength: strength, Exact: exact}, nil
}

// DefaultPolicy is perceptual matching at DefaultStrength.
func DefaultPolicy() Policy {
	return Policy{Strength: DefaultStrength}
}

// Threshold is the maximum allowed distance under p.
func (p Policy) Threshold() int {
	return ThresholdForStrength(p.Strength)
}

func (p Policy) String() string {
	if p.Exact {
		return "exact"
	}
	return fmt.Sprintf("strength %d (distance <= %d)", p.Strength, p.Threshold())
}

// ThresholdForStrength maps strength 1..10 to a maximum Hamming distance.
// 10 is the strictest. Out-of-range values are clamped.
func ThresholdForStrength(strength int) int {
	if strength < MinStrength {
		strength = MinStrength
	}
	if strength > MaxStrength {
		strength = MaxStrength
	}
	return 2 * (MaxStrength + 1 - strength)
}

// FrameDistance is the smallest distance between two frames over every
// relative orientation. Either side may be held at identity, so both
// directions are tried and the result is symmetric.
func FrameDistance(a, b models.OrientationSet) int {
	best := MaxDistance
	for o := 0; o < models.NumOrientations; o++ {
		if d := hash.HammingDistance(a[o], b[models.Identity]); d < best {
			best = d
		}
		if d := hash.HammingDistance(a[models.Identity], b[o]); d < best {
			best = d
		}
		if best == 0 {
			break
		}
	}
	return best
}

// Distance compares two records' fingerprints.
//
// Static against static compares the single frames. Static against animated
// takes the best frame of the animation. Animated against animated compares
// frames at matching indices over the overlapping range only and takes the best
// index; differing frame counts do not block a match on their own.
// An empty set never matches anything.
func Distance(a, b models.FingerprintSet) int {
	if len(a) == 0 || len(b) == 0 {
		return MaxDistance + 1
	}

	switch {
	case len(a) == 1 && len(b) == 1:
		return FrameDistance(a[0], b[0])
	case len(a) == 1:
		return bestFrame(a[0], b)
	case len(b) == 1:
		return bestFrame(b[0], a)
	}

	n := min(len(a), len(b))
	best := MaxDistance
	for i := 0; i < n && best > 0; i++ {
		if d := FrameDistance(a[i], b[i]); d < best {
			best = d
		}
	}
	return best
}

func bestFrame(static models.OrientationSet, animated models.FingerprintSet) int {
	best := MaxDistance
	for _, f := range animated {
		if d := FrameDistance(static, f); d < best {
			best = d
			if best == 0 {
				break
			}
		}
	}
	return best
}

// Similar reports whether two records match under p.
func Similar(a, b *models.ImageRecord, p Policy) bool {
	if p.Exact {
		return a.ExactHash != "" && a.ExactHash == b.ExactHash
	}
	return Distance(a.Fingerprints, b.Fingerprints) <= p.Threshold()
}
