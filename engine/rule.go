package engine

import (
	"errors"
	"sync"

	"github.com/flyingrobots/echo/footprint"
	"github.com/flyingrobots/echo/id"
)

// Errors returned by Registry operations.
var (
	ErrRuleIDExists   = errors.New("engine: rule id already registered")
	ErrRuleNameExists = errors.New("engine: rule name already registered")
	ErrRuleNotFound   = errors.New("engine: rule not found")
)

// MatchData is whatever a rule's matcher produces to describe one
// candidate match; its shape is entirely rule-defined and opaque to the
// engine (spec.md §4.5).
type MatchData any

// Matcher scans a warp's View for candidate matches. It is pure and
// read-only; it must not retain the View after returning.
type Matcher func(view *View, warpID id.WarpID) []MatchData

// FootprintFn computes the conservative read/write footprint a match
// would touch if executed. Over-approximation is sound; under-
// approximation is a correctness bug caught at merge time as a conflict.
type FootprintFn func(view *View, warpID id.WarpID, match MatchData) *footprint.Footprint

// ExecutorFn runs a match's rewrite, emit-only: it reads via View and
// writes exclusively through delta.
type ExecutorFn func(view *View, warpID id.WarpID, match MatchData, delta *ScopedDelta)

// Rule is one registered rewrite rule: its matcher/footprint/executor
// triple plus the identity used in deterministic drain order and op
// attribution.
type Rule struct {
	ID        uint32
	Name      string
	Matcher   Matcher
	Footprint FootprintFn
	Executor  ExecutorFn
}

// Registry holds the engine's rule set, keyed uniquely by both ID and
// Name.
type Registry struct {
	mu    sync.RWMutex
	byID  map[uint32]*Rule
	byName map[string]*Rule
}

// NewRegistry returns an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{byID: map[uint32]*Rule{}, byName: map[string]*Rule{}}
}

// Register adds rule to the registry. Both its ID and Name must be
// unique.
func (r *Registry) Register(rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[rule.ID]; exists {
		return ErrRuleIDExists
	}
	if _, exists := r.byName[rule.Name]; exists {
		return ErrRuleNameExists
	}
	rr := rule
	r.byID[rule.ID] = &rr
	r.byName[rule.Name] = &rr
	return nil
}

// Rules returns every registered rule, ordered ascending by RuleID (for
// deterministic gather order).
func (r *Registry) Rules() []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Rule, 0, len(r.byID))
	for _, rule := range r.byID {
		out = append(out, rule)
	}
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j].ID < out[j-1].ID {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}

// ByName returns the rule registered under name, if any.
func (r *Registry) ByName(name string) (*Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.byName[name]
	return rule, ok
}

// PackID is a content-addressed identity for the registry's current rule
// set: BLAKE3 over every rule's (id, name) pair in ascending-ID order.
// Two engines with the same registered rules always compute the same
// PackID, so a projected patch's RulePackID records exactly which rule
// pack produced it (spec.md §3, §4.7).
func (r *Registry) PackID() id.Hash {
	var buf []byte
	for _, rule := range r.Rules() {
		buf = append(buf, byte(rule.ID>>24), byte(rule.ID>>16), byte(rule.ID>>8), byte(rule.ID))
		buf = append(buf, []byte(rule.Name)...)
		buf = append(buf, 0)
	}
	return id.Sum("rule_pack:", buf)
}
