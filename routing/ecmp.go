package routing

// defaultHashSeed is the seed NewSelector uses; every selector built with it
// makes the same choices.
const defaultHashSeed uint64 = 0x517cc1b727220a95

// Selector picks one hop out of an equal-cost set. The choice is a pure
// function of (seed, dst_node, corr_id), so a flow sticks to one hop for
// as long as the hop set is unchanged.
type Selector struct {
	seed uint64
}

// NewSelector returns a selector with the default seed.
func NewSelector() Selector { return Selector{seed: defaultHashSeed} }

// NewSelectorWithSeed returns a selector with a custom seed.
func NewSelectorWithSeed(seed uint64) Selector { return Selector{seed: seed} }

// mix64 is the splitmix64 finalizer; good avalanche for cheap.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Select hashes seed ⊕ dst ⊕ corr and indexes the node-id-sorted members.
func (s Selector) Select(hs *HopSet, dstNode, corrID uint64) (NextHop, bool) {
	members := hs.Members()
	if len(members) == 0 {
		return NextHop{}, false
	}
	h := mix64(s.seed ^ dstNode ^ corrID)
	return members[h%uint64(len(members))], true
}

// Decision is the outcome of an ECMP forward choice.
type Decision struct {
	NextHop   NextHop
	TotalHops int
	Cost      uint32
}
