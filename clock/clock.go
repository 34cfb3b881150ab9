// Package clock implements vector clock comparison and merge, the sole
// arbiter of "who is ahead" for a replicated document.
package clock

// VectorClock maps an actor id to the highest sequence number we have
// seen from that actor. A missing key is equivalent to a zero entry.
type VectorClock map[string]uint64

// Clone returns a copy of v so callers can mutate the result without
// aliasing the original.
func (v VectorClock) Clone() VectorClock {
	if v == nil {
		return VectorClock{}
	}
	c := make(VectorClock, len(v))
	for k, n := range v {
		c[k] = n
	}
	return c
}

// LessOrEqual reports whether a <= b: every actor present in a has a
// sequence number no greater than its counterpart in b (missing keys
// in b count as zero).
func LessOrEqual(a, b VectorClock) bool {
	for actor, seq := range a {
		if seq > b[actor] {
			return false
		}
	}
	return true
}

// Equal reports whether a and b dominate each other in both
// directions, i.e. represent the same causal knowledge.
func Equal(a, b VectorClock) bool {
	return LessOrEqual(a, b) && LessOrEqual(b, a)
}

// Concurrent reports whether neither clock dominates the other.
func Concurrent(a, b VectorClock) bool {
	return !LessOrEqual(a, b) && !LessOrEqual(b, a)
}

// Merge returns the pointwise maximum of a and b. Neither argument is
// mutated.
func Merge(a, b VectorClock) VectorClock {
	out := make(VectorClock, len(a)+len(b))
	for actor, seq := range a {
		out[actor] = seq
	}
	for actor, seq := range b {
		if seq > out[actor] {
			out[actor] = seq
		}
	}
	return out
}

// Increment returns a copy of v with actor's sequence advanced to seq,
// but never moving it backwards.
func Increment(v VectorClock, actor string, seq uint64) VectorClock {
	out := v.Clone()
	if seq > out[actor] {
		out[actor] = seq
	}
	return out
}

// At returns the sequence number v holds for actor, or 0 if unknown.
func (v VectorClock) At(actor string) uint64 {
	return v[actor]
}
