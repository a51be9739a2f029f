package filter

// Tier is the storage placement of a scope's non-hashable sub-table.
type Tier uint8

const (
	// TierFast is the small, capacity-bounded placement.
	TierFast Tier = iota
	// TierBulk is the large, slower placement used once the fast tier overflows.
	TierBulk
)

func (t Tier) String() string {
	if t == TierBulk {
		return "bulk"
	}
	return "fast"
}

// TierFor is the placement rule: more than capacity rules live in bulk.
func TierFor(count, capacity int) Tier {
	if count > capacity {
		return TierBulk
	}
	return TierFast
}

// tierManager tracks the placement of one scope. It is derived state: it is
// only ever recomputed from a rule count, under the scope's write lock.
type tierManager struct {
	capacity int
	tier     Tier
}

// update recomputes the tier for count and returns the previous and new tier.
func (m *tierManager) update(count int) (from, to Tier) {
	from = m.tier
	m.tier = TierFor(count, m.capacity)
	return from, m.tier
}

func (m *tierManager) current() Tier { return m.tier }
