package ipet

import (
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/tanneberger/platin/model"
)

// ContextRef keys a refinement entry: a program point qualified by a calling
// context. The empty context means globally.
type ContextRef struct {
	Point   string
	Context string
}

// RefinementTable holds the feasibility information extracted from flow
// facts at one representation level: which blocks cannot execute, and the
// narrowed target sets of (indirect) call sites. It is built before any ILP
// variable is emitted and is read-only afterwards.
type RefinementTable struct {
	level       model.Level
	infeasible  map[ContextRef]bool
	calltargets map[ContextRef][]*model.Function
}

func newRefinementTable(level model.Level) *RefinementTable {
	return &RefinementTable{
		level:       level,
		infeasible:  make(map[ContextRef]bool),
		calltargets: make(map[ContextRef][]*model.Function),
	}
}

// Level returns the representation level the table refines.
func (rt *RefinementTable) Level() model.Level { return rt.level }

func (rt *RefinementTable) markInfeasible(b *model.Block, ctx string) {
	rt.infeasible[ContextRef{Point: b.QualifiedName(), Context: ctx}] = true
}

// restrictCallTargets narrows the target set of a call site by intersection.
// The first restriction seeds the set.
func (rt *RefinementTable) restrictCallTargets(site *model.Instruction, ctx string, targets []*model.Function) {
	ref := ContextRef{Point: site.QualifiedName(), Context: ctx}
	current, ok := rt.calltargets[ref]
	if !ok {
		rt.calltargets[ref] = sortedFunctions(targets)
		return
	}
	rt.calltargets[ref] = intersectFunctions(current, targets)
}

// Infeasible reports whether the block is marked infeasible globally or
// under the given context.
func (rt *RefinementTable) Infeasible(b *model.Block, ctx string) bool {
	if rt.infeasible[ContextRef{Point: b.QualifiedName()}] {
		return true
	}
	if ctx == "" {
		return false
	}
	return rt.infeasible[ContextRef{Point: b.QualifiedName(), Context: ctx}]
}

// CallTargets resolves the callable functions of a call site in a context:
// the intersection of the statically declared callees, the global
// refinement set and the context-specific set. A site with none of the
// three is an unresolved indirect call.
func (rt *RefinementTable) CallTargets(site *model.Instruction, ctx string) ([]*model.Function, error) {
	var result []*model.Function
	have := false
	if len(site.Callees) > 0 {
		result = sortedFunctions(site.Callees)
		have = true
	}
	if global, ok := rt.calltargets[ContextRef{Point: site.QualifiedName()}]; ok {
		if have {
			result = intersectFunctions(result, global)
		} else {
			result = global
		}
		have = true
	}
	if ctx != "" {
		if scoped, ok := rt.calltargets[ContextRef{Point: site.QualifiedName(), Context: ctx}]; ok {
			if have {
				result = intersectFunctions(result, scoped)
			} else {
				result = scoped
			}
			have = true
		}
	}
	if !have {
		return nil, &UnresolvedIndirectCallError{Site: site}
	}
	return result, nil
}

// buildRefinement ingests the globally valid flow facts of one level. A fact
// with a scope context is not globally valid and is skipped, so every mark
// recorded here is context-free and is closed under fixed-point propagation.
func buildRefinement(level model.Level, entry *model.Function, facts []*model.FlowFact) *RefinementTable {
	rt := newRefinementTable(level)
	if entry == nil {
		return rt
	}
	for _, ff := range facts {
		if ff.Level != level || !ff.GloballyValid(entry) {
			continue
		}
		if site, targets, ok := ff.CallTargetRestriction(); ok {
			rt.restrictCallTargets(site, ff.Scope.Context, targets)
			continue
		}
		if blk, ok := ff.BlockInfeasible(); ok {
			rt.markInfeasible(blk, ff.Scope.Context)
			if ff.Scope.Context == "" {
				rt.propagate(blk.Function)
			}
		}
	}
	return rt
}

// propagate closes the context-free infeasibility marks of one function
// under two rules: a block dies when all its non-back-edge predecessors are
// dead, or when all its successors are dead. Back edges are excluded from
// the predecessor rule so a loop header is not killed by its own back edge.
func (rt *RefinementTable) propagate(fn *model.Function) {
	n := uint(len(fn.Blocks))
	dead := bitset.New(n)
	for i, b := range fn.Blocks {
		if rt.infeasible[ContextRef{Point: b.QualifiedName()}] {
			dead.Set(uint(i))
		}
	}
	changed := true
	for changed {
		changed = false
		for i, b := range fn.Blocks {
			if dead.Test(uint(i)) || b.IsDataOnly() {
				continue
			}
			if rt.allPredecessorsDead(b, dead) || rt.allSuccessorsDead(b, dead) {
				dead.Set(uint(i))
				changed = true
			}
		}
	}
	for i, b := range fn.Blocks {
		if dead.Test(uint(i)) {
			rt.infeasible[ContextRef{Point: b.QualifiedName()}] = true
		}
	}
}

func (rt *RefinementTable) allPredecessorsDead(b *model.Block, dead *bitset.BitSet) bool {
	seen := 0
	for _, p := range b.Predecessors {
		if b.IsBackEdge(p) || p.IsDataOnly() {
			continue
		}
		seen++
		if !dead.Test(uint(p.Index)) {
			return false
		}
	}
	return seen > 0
}

func (rt *RefinementTable) allSuccessorsDead(b *model.Block, dead *bitset.BitSet) bool {
	if len(b.Successors) == 0 {
		return false
	}
	for _, s := range b.Successors {
		if !dead.Test(uint(s.Index)) {
			return false
		}
	}
	return true
}

func sortedFunctions(fns []*model.Function) []*model.Function {
	out := make([]*model.Function, 0, len(fns))
	seen := make(map[string]bool, len(fns))
	for _, fn := range fns {
		if !seen[fn.Name] {
			seen[fn.Name] = true
			out = append(out, fn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func intersectFunctions(a, b []*model.Function) []*model.Function {
	inB := make(map[string]bool, len(b))
	for _, fn := range b {
		inB[fn.Name] = true
	}
	var out []*model.Function
	for _, fn := range a {
		if inB[fn.Name] {
			out = append(out, fn)
		}
	}
	return out
}
