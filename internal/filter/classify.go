package filter

import "fmt"

// CacheStatus tells whether a classification was served from the match cache.
type CacheStatus uint8

const (
	Miss CacheStatus = iota
	Hit
)

func (s CacheStatus) String() string {
	if s == Hit {
		return "hit"
	}
	return "miss"
}

// MarshalText renders the status as "hit" or "miss".
func (s CacheStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts "hit" and "miss".
func (s *CacheStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "hit":
		*s = Hit
	case "miss":
		*s = Miss
	default:
		return fmt.Errorf("unknown cache status %q", b)
	}
	return nil
}

// Decision is the routing outcome for one packet.
type Decision struct {
	Action       Action `json:"action"`
	Rule         Handle `json:"rule,omitempty"`
	Matched      bool   `json:"matched"`
	Hashable     bool   `json:"hashable,omitempty"`
	RetainHeader bool   `json:"retain_header,omitempty"`
}

// Outcome pairs a decision with its cache status.
type Outcome struct {
	Decision
	Status CacheStatus `json:"status"`
}

// Status word layout, as attached to a classified packet.
const (
	StatusHit          uint32 = 1 << 0
	StatusMatched      uint32 = 1 << 1
	StatusHashable     uint32 = 1 << 2
	StatusRetainHeader uint32 = 1 << 3
	statusRuleShift           = 8
)

// StatusWord packs the outcome flags and the low 24 bits of the matching
// rule handle into one word.
func (o Outcome) StatusWord() uint32 {
	var w uint32
	if o.Status == Hit {
		w |= StatusHit
	}
	if o.Matched {
		w |= StatusMatched
	}
	if o.Hashable {
		w |= StatusHashable
	}
	if o.RetainHeader {
		w |= StatusRetainHeader
	}
	return w | (uint32(o.Rule)&0xFFFFFF)<<statusRuleShift
}

// classifier resolves packets against one scope's table and cache. It holds
// no state between calls.
type classifier struct {
	fields   Field
	fallback Action
}

// classify must run with the scope's rule table read-locked so a cache
// insertion cannot outlive an invalidation ordered after it.
func (c classifier) classify(t *ruleTable, mc *matchCache, f *Fields) (out Outcome, evicted bool) {
	fp := ComputeFingerprint(f, c.fields)

	if e, ok := mc.lookup(fp); ok {
		return Outcome{
			Decision: Decision{
				Action:       e.action,
				Rule:         e.rule,
				Matched:      true,
				Hashable:     true,
				RetainHeader: e.retain,
			},
			Status: Hit,
		}, false
	}

	r := t.firstMatch(f)
	if r == nil {
		return Outcome{Decision: Decision{Action: c.fallback}, Status: Miss}, false
	}

	out = Outcome{
		Decision: Decision{
			Action:       r.spec.Action,
			Rule:         r.handle,
			Matched:      true,
			Hashable:     r.spec.Hashable,
			RetainHeader: r.spec.RetainHeader,
		},
		Status: Miss,
	}
	if r.spec.Hashable {
		evicted = mc.insert(fp, cacheEntry{rule: r.handle, action: r.spec.Action, retain: r.spec.RetainHeader})
	}
	return out, evicted
}
