// Package order computes fractional sort keys for collaborative list
// reordering. A moved item gets a key interpolated between its new
// neighbours, so a reorder never renumbers the rest of the list.
package order

import (
	"fmt"
	"math/rand"
)

const (
	// DefaultStep is the gap left at either end of the list. It is kept
	// large relative to jitter so midpoint bisection survives hundreds of
	// reorders before float precision runs out.
	DefaultStep = 1.0
	// DefaultMaxJitter bounds the random offset added to every allocated
	// key. Two clients computing the same midpoint at the same instant
	// still end up with distinct keys.
	DefaultMaxJitter = 1e-6
)

type Allocator struct {
	step      float64
	maxJitter float64
	rng       *rand.Rand
}

func New(step, maxJitter float64, seed int64) *Allocator {
	if step <= 0 {
		step = DefaultStep
	}
	if maxJitter < 0 || maxJitter >= step/2 {
		maxJitter = DefaultMaxJitter
	}
	return &Allocator{
		step:      step,
		maxJitter: maxJitter,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// KeyAt returns a sort key that places an item at index within keys, where
// keys is the ascending key sequence of the list with the moving item already
// removed. The input slice is never modified.
func (a *Allocator) KeyAt(keys []float64, index int) (float64, error) {
	if index < 0 || index > len(keys) {
		return 0, fmt.Errorf("index %d out of range for %d keys", index, len(keys))
	}
	if len(keys) == 0 {
		return a.jitter(), nil
	}
	switch index {
	case 0:
		return keys[0] - a.step + a.jitter(), nil
	case len(keys):
		return keys[len(keys)-1] + a.step + a.jitter(), nil
	default:
		// The jitter shrinks with the local gap, so a midpoint between
		// neighbours bisected down to sub-jitter distances still lands
		// strictly between them.
		gap := keys[index] - keys[index-1]
		return (keys[index-1]+keys[index])/2 + a.boundedJitter(gap/4), nil
	}
}

func (a *Allocator) jitter() float64 {
	return a.boundedJitter(a.maxJitter)
}

func (a *Allocator) boundedJitter(limit float64) float64 {
	if limit > a.maxJitter {
		limit = a.maxJitter
	}
	return (a.rng.Float64()*2 - 1) * limit
}
