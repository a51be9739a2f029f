package filter

import (
	"errors"
	"fmt"
	"strconv"
)

// Action is an opaque routing-table reference carried from a matching rule
// to the classification decision.
type Action string

// Handle identifies a committed rule within its scope. The zero handle is
// never assigned and marks a rule that failed to commit.
type Handle uint32

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 10)
}

// Valid reports whether h was assigned by a successful commit.
func (h Handle) Valid() bool { return h != 0 }

// Predicate is the set of active attributes of a rule.
type Predicate []Attribute

// Has reports whether the predicate carries an attribute of kind k.
func (p Predicate) Has(k AttrKind) bool {
	for _, a := range p {
		if a.Kind() == k {
			return true
		}
	}
	return false
}

func (p Predicate) match(f *Fields) bool {
	for _, a := range p {
		if !a.match(f) {
			return false
		}
	}
	return true
}

// RuleSpec describes a rule to commit.
type RuleSpec struct {
	// Name is an optional label used in listings and logs.
	Name         string
	Predicate    Predicate
	Action       Action
	Hashable     bool
	MaxPriority  bool
	RetainHeader bool
}

// Validate checks the spec against a scope's IP version and the engine's
// fingerprint field set. All failures wrap ErrInvalidPredicate.
func (s RuleSpec) Validate(v IPVersion, fingerprint Field) error {
	if s.Action == "" {
		return fmt.Errorf("%w: empty action", ErrInvalidPredicate)
	}

	seen := make(map[AttrKind]bool, len(s.Predicate))
	for _, a := range s.Predicate {
		if a == nil {
			return fmt.Errorf("%w: nil attribute", ErrInvalidPredicate)
		}
		k := a.Kind()
		if seen[k] {
			return fmt.Errorf("%w: duplicate %s attribute", ErrInvalidPredicate, k)
		}
		seen[k] = true

		if err := a.validate(v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPredicate, k, err)
		}
		if need := k.field(); s.Hashable && fingerprint&need != need {
			return fmt.Errorf("%w: hashable rule matches on %s, which needs %s in the flow fingerprint (%s)",
				ErrInvalidPredicate, k, need, fingerprint)
		}
	}

	if seen[KindSrcPort] && seen[KindSrcPortRange] {
		return fmt.Errorf("%w: src_port and src_port_range are mutually exclusive", ErrInvalidPredicate)
	}
	if seen[KindDstPort] && seen[KindDstPortRange] {
		return fmt.Errorf("%w: dst_port and dst_port_range are mutually exclusive", ErrInvalidPredicate)
	}

	usesPorts := seen[KindSrcPort] || seen[KindDstPort] || seen[KindSrcPortRange] || seen[KindDstPortRange]
	if usesPorts {
		for _, a := range s.Predicate {
			if p, ok := a.(Protocol); ok && !carriesPorts(p.Value) {
				return fmt.Errorf("%w: protocol %d carries no ports", ErrInvalidPredicate, p.Value)
			}
		}
	}
	return nil
}

// rule is a committed, immutable rule.
type rule struct {
	handle Handle
	order  uint64
	spec   RuleSpec
}

// before reports whether r is evaluated ahead of o within one sub-table:
// max-priority rules first, then earlier insertion order.
func (r *rule) before(o *rule) bool {
	if r.spec.MaxPriority != o.spec.MaxPriority {
		return r.spec.MaxPriority
	}
	return r.order < o.order
}

// InstalledRule is a committed rule as reported by Engine.Rules and
// accepted by Engine.Restore.
type InstalledRule struct {
	Handle Handle
	Order  uint64
	RuleSpec
}

// Snapshot is a scope's installed rules together with the last handle the
// scope issued. Restoring LastHandle keeps deleted handles from being
// reissued.
type Snapshot struct {
	Rules      []InstalledRule
	LastHandle Handle
}

// CommitResult is the per-rule status of a commit, in input order.
type CommitResult struct {
	Handle Handle
	Err    error
}

// OK reports whether the rule was committed.
func (r CommitResult) OK() bool { return r.Err == nil && r.Handle.Valid() }

// CommitResults is the ordered outcome of one commit.
type CommitResults []CommitResult

// Handles returns the handles of the successfully committed rules.
func (rs CommitResults) Handles() []Handle {
	out := make([]Handle, 0, len(rs))
	for _, r := range rs {
		if r.OK() {
			out = append(out, r.Handle)
		}
	}
	return out
}

// Failed counts rules that did not commit.
func (rs CommitResults) Failed() int {
	n := 0
	for _, r := range rs {
		if !r.OK() {
			n++
		}
	}
	return n
}

// Err joins every per-rule error, annotated with the rule's input index.
func (rs CommitResults) Err() error {
	var errs []error
	for i, r := range rs {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, r.Err))
		}
	}
	return errors.Join(errs...)
}
