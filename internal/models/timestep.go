package models

import "sort"

// FixedStep is the step value carried by time-invariant geometry records
const FixedStep = -1

// Timestep is one discrete simulation output instant
type Timestep struct {
	Step int     `json:"step"`
	Time float64 `json:"time"`
	Path string  `json:"path,omitempty"` // optional companion store file
}

// Timesteps is an ordered sequence sorted by Step with unique steps
type Timesteps []Timestep

// Insert adds a timestep keeping the sequence sorted.
// An existing entry with the same step is replaced.
func (ts Timesteps) Insert(t Timestep) Timesteps {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].Step >= t.Step })
	if i < len(ts) && ts[i].Step == t.Step {
		ts[i] = t
		return ts
	}
	ts = append(ts, Timestep{})
	copy(ts[i+1:], ts[i:])
	ts[i] = t
	return ts
}

// Index returns the position of an exact step match, or -1
func (ts Timesteps) Index(step int) int {
	i := sort.Search(len(ts), func(i int) bool { return ts[i].Step >= step })
	if i < len(ts) && ts[i].Step == step {
		return i
	}
	return -1
}

// Nearest returns the index of the largest step not exceeding requested.
// When requested is below every step the first index is returned.
// Returns -1 for an empty sequence.
func (ts Timesteps) Nearest(requested int) int {
	if len(ts) == 0 {
		return -1
	}
	i := sort.Search(len(ts), func(i int) bool { return ts[i].Step > requested })
	if i == 0 {
		return 0
	}
	return i - 1
}
