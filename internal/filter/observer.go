package filter

// Observer receives engine events. Administrative events are delivered while
// the scope's write lock is held, so implementations must not call back into
// the engine.
type Observer interface {
	Classified(scope Scope, out Outcome)
	CacheEvicted(scope Scope)
	CacheInvalidated(scope Scope, dropped int)
	RulesChanged(scope Scope, nonHashable, hashable int)
	TierChanged(scope Scope, from, to Tier)
}

// Observers fans events out to several observers.
type Observers []Observer

func (m Observers) Classified(scope Scope, out Outcome) {
	for _, o := range m {
		o.Classified(scope, out)
	}
}

func (m Observers) CacheEvicted(scope Scope) {
	for _, o := range m {
		o.CacheEvicted(scope)
	}
}

func (m Observers) CacheInvalidated(scope Scope, dropped int) {
	for _, o := range m {
		o.CacheInvalidated(scope, dropped)
	}
}

func (m Observers) RulesChanged(scope Scope, nonHashable, hashable int) {
	for _, o := range m {
		o.RulesChanged(scope, nonHashable, hashable)
	}
}

func (m Observers) TierChanged(scope Scope, from, to Tier) {
	for _, o := range m {
		o.TierChanged(scope, from, to)
	}
}

type nopObserver struct{}

func (nopObserver) Classified(Scope, Outcome)     {}
func (nopObserver) CacheEvicted(Scope)            {}
func (nopObserver) CacheInvalidated(Scope, int)   {}
func (nopObserver) RulesChanged(Scope, int, int)  {}
func (nopObserver) TierChanged(Scope, Tier, Tier) {}
