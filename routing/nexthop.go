package routing

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// NextHop is one candidate neighbor for a destination.
type NextHop struct {
	NodeID uint64
	Cost   uint32
}

// HopSet holds every next hop of equal minimum cost for a destination.
type HopSet struct {
	Cost uint32
	hops mapset.Set[NextHop]
}

// NewHopSet returns an empty set at the given cost.
func NewHopSet(cost uint32) HopSet {
	return HopSet{Cost: cost, hops: mapset.NewThreadUnsafeSet[NextHop]()}
}

// SingleHop returns a set containing exactly hop.
func SingleHop(hop NextHop) HopSet {
	s := NewHopSet(hop.Cost)
	s.hops.Add(hop)
	return s
}

// HopSetOf keeps only the minimum-cost hops of the given candidates.
func HopSetOf(hops ...NextHop) HopSet {
	if len(hops) == 0 {
		return NewHopSet(0)
	}
	min := hops[0].Cost
	for _, h := range hops[1:] {
		if h.Cost < min {
			min = h.Cost
		}
	}
	s := NewHopSet(min)
	for _, h := range hops {
		if h.Cost == min {
			s.hops.Add(h)
		}
	}
	return s
}

// Add inserts hop if its cost matches the set cost.
func (s *HopSet) Add(hop NextHop) bool {
	if hop.Cost != s.Cost {
		return false
	}
	s.hops.Add(hop)
	return true
}

// Remove drops the hop for nodeID, reporting whether any hops remain.
func (s *HopSet) Remove(nodeID uint64) bool {
	for _, h := range s.hops.ToSlice() {
		if h.NodeID == nodeID {
			s.hops.Remove(h)
		}
	}
	return !s.IsEmpty()
}

// IsEmpty reports whether the set has no hops.
func (s *HopSet) IsEmpty() bool { return s.hops == nil || s.hops.Cardinality() == 0 }

// Len returns the hop count.
func (s *HopSet) Len() int {
	if s.hops == nil {
		return 0
	}
	return s.hops.Cardinality()
}

// Contains reports whether nodeID is one of the hops.
func (s *HopSet) Contains(nodeID uint64) bool {
	if s.hops == nil {
		return false
	}
	for _, h := range s.hops.ToSlice() {
		if h.NodeID == nodeID {
			return true
		}
	}
	return false
}

// Members returns the hops sorted by node ID. ECMP selection indexes into
// this ordering so repeated lookups stay consistent.
func (s *HopSet) Members() []NextHop {
	if s.hops == nil {
		return nil
	}
	out := s.hops.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// clone returns an independent copy.
func (s HopSet) clone() HopSet {
	c := NewHopSet(s.Cost)
	if s.hops != nil {
		for _, h := range s.hops.ToSlice() {
			c.hops.Add(h)
		}
	}
	return c
}
