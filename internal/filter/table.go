package filter

import (
	"fmt"
	"slices"
	"sort"
)

// subTable keeps rules in evaluation order.
type subTable struct {
	rules     []*rule
	nextOrder uint64
}

func (s *subTable) insert(r *rule) {
	r.order = s.nextOrder
	s.place(r)
}

// place inserts r at its position by (max-priority, order) without assigning
// a new order. Used directly when restoring persisted rules.
func (s *subTable) place(r *rule) {
	if r.order >= s.nextOrder {
		s.nextOrder = r.order + 1
	}
	i := sort.Search(len(s.rules), func(i int) bool { return r.before(s.rules[i]) })
	s.rules = slices.Insert(s.rules, i, r)
}

func (s *subTable) remove(h Handle) bool {
	for i, r := range s.rules {
		if r.handle == h {
			s.rules = slices.Delete(s.rules, i, i+1)
			return true
		}
	}
	return false
}

func (s *subTable) first(f *Fields) *rule {
	for _, r := range s.rules {
		if r.spec.Predicate.match(f) {
			return r
		}
	}
	return nil
}

// ruleTable is the rule set of one scope, split into a non-hashable and a
// hashable sub-table. It is not safe for concurrent use; the owning scope
// state serialises access.
type ruleTable struct {
	nonHashable subTable
	hashable    subTable
	byHandle    map[Handle]*rule
	lastHandle  Handle
}

func newRuleTable() *ruleTable {
	return &ruleTable{byHandle: make(map[Handle]*rule)}
}

func (t *ruleTable) sub(hashable bool) *subTable {
	if hashable {
		return &t.hashable
	}
	return &t.nonHashable
}

// add inserts an already validated spec and returns its new handle.
func (t *ruleTable) add(spec RuleSpec) Handle {
	t.lastHandle++
	r := &rule{handle: t.lastHandle, spec: spec}
	t.sub(spec.Hashable).insert(r)
	t.byHandle[r.handle] = r
	return r.handle
}

func (t *ruleTable) has(h Handle) bool {
	_, ok := t.byHandle[h]
	return ok
}

func (t *ruleTable) remove(h Handle) (*rule, bool) {
	r, ok := t.byHandle[h]
	if !ok {
		return nil, false
	}
	delete(t.byHandle, h)
	t.sub(r.spec.Hashable).remove(h)
	return r, true
}

// clear drops every rule. Handles keep counting so a replaced table never
// reissues a handle a caller may still hold.
func (t *ruleTable) clear() {
	t.nonHashable = subTable{}
	t.hashable = subTable{}
	t.byHandle = make(map[Handle]*rule)
}

// firstMatch walks the non-hashable sub-table, then the hashable one.
func (t *ruleTable) firstMatch(f *Fields) *rule {
	if r := t.nonHashable.first(f); r != nil {
		return r
	}
	return t.hashable.first(f)
}

func (t *ruleTable) len() int { return len(t.byHandle) }

func (t *ruleTable) installed() []InstalledRule {
	out := make([]InstalledRule, 0, t.len())
	for _, s := range []*subTable{&t.nonHashable, &t.hashable} {
		for _, r := range s.rules {
			out = append(out, InstalledRule{Handle: r.handle, Order: r.order, RuleSpec: r.spec})
		}
	}
	return out
}

// restore loads persisted rules, keeping their handles and insertion order.
func (t *ruleTable) restore(rules []InstalledRule) error {
	for _, ir := range rules {
		if !ir.Handle.Valid() {
			return fmt.Errorf("restore: rule %q has no handle", ir.Name)
		}
		if t.has(ir.Handle) {
			return fmt.Errorf("restore: duplicate handle %s", ir.Handle)
		}
		r := &rule{handle: ir.Handle, order: ir.Order, spec: ir.RuleSpec}
		t.sub(ir.Hashable).place(r)
		t.byHandle[r.handle] = r
		if r.handle > t.lastHandle {
			t.lastHandle = r.handle
		}
	}
	return nil
}
