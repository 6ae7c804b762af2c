// Package ordering computes fractional sort keys for lists and cards.
//
// Siblings are read back ascending by key. A new item gets a key that places
// it at the requested index without touching any existing key:
//
//   - no siblings: BaseKey
//   - head:        first / 2
//   - tail:        last + Gap
//   - between:     (prev + next) / 2
//
// Repeated midpoint inserts between the same two neighbours halve the gap each
// time, and with float64 keys the gap eventually underflows so that two keys
// collapse. Allocate never fixes that itself. It reports the condition through
// Placement.Narrow and callers respace the whole sibling set with Spread, off
// the insertion path.
package ordering

import (
	"errors"
	"math"
)

const (
	// BaseKey is the key of the first item in an empty sibling set.
	BaseKey = 1024.0
	// Gap is the distance between tail appends and between respaced keys.
	Gap = 1024.0
	// DefaultEpsilon is the smallest gap considered healthy.
	DefaultEpsilon = 1e-6
)

var ErrIndexOutOfRange = errors.New("ordering: index out of range")

// Placement is the result of one allocation.
type Placement struct {
	Key float64
	// Gap is the distance from Key to its closest neighbour. It is +Inf when
	// the sibling set was empty.
	Gap float64
	// Narrow reports that Gap fell under the allocator's epsilon, or that the
	// midpoint collapsed onto a neighbour. The sibling set should be respaced.
	Narrow bool
}

type Allocator struct {
	Epsilon float64
}

func NewAllocator(epsilon float64) Allocator {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return Allocator{Epsilon: epsilon}
}

// Allocate returns the key for an item inserted at index among keys, which
// must be sorted ascending. index may equal len(keys) (append).
func (a Allocator) Allocate(keys []float64, index int) (Placement, error) {
	if index < 0 || index > len(keys) {
		return Placement{}, ErrIndexOutOfRange
	}
	epsilon := a.Epsilon
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}

	switch {
	case len(keys) == 0:
		return Placement{Key: BaseKey, Gap: math.Inf(1)}, nil
	case index == 0:
		first := keys[0]
		key := first / 2
		gap := first - key
		return Placement{Key: key, Gap: gap, Narrow: gap < epsilon || key >= first}, nil
	case index == len(keys):
		last := keys[len(keys)-1]
		key := last + Gap
		return Placement{Key: key, Gap: key - last, Narrow: key <= last}, nil
	default:
		prev, next := keys[index-1], keys[index]
		key := prev + (next-prev)/2
		gap := math.Min(key-prev, next-key)
		collapsed := key <= prev || key >= next
		return Placement{Key: key, Gap: gap, Narrow: collapsed || gap < epsilon}, nil
	}
}

// Key is Allocate with the default epsilon.
func Key(keys []float64, index int) (float64, error) {
	p, err := NewAllocator(DefaultEpsilon).Allocate(keys, index)
	return p.Key, err
}

// Spread returns n evenly spaced keys: Gap, 2*Gap, ...
func Spread(n int) []float64 {
	keys := make([]float64, n)
	for i := range keys {
		keys[i] = Gap * float64(i+1)
	}
	return keys
}

// MinGap returns the smallest distance between adjacent keys, or +Inf when
// there are fewer than two.
func MinGap(keys []float64) float64 {
	gap := math.Inf(1)
	for i := 1; i < len(keys); i++ {
		if d := keys[i] - keys[i-1]; d < gap {
			gap = d
		}
	}
	return gap
}
