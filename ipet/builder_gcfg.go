package ipet

import (
	"fmt"

	"github.com/tanneberger/platin/model"
)

// buildGCFG replaces CFG reachability with a traversal of the global
// control-flow graph. Super-structure edges carry the inter-ABB flow;
// override maps splice them into the flow conservation of each ABB's entry
// and exit block. Machine functions called from ABB interiors are folded in
// as ordinary functions, provided they do not overlap the super-structure.
func (b *IPETBuilder) buildGCFG(entryName string) error {
	g := b.program.GCFG
	if g == nil || g.Entry() == nil {
		return ErrNoGCFG
	}

	mm := newIPETModel(b.ilp, model.LevelMachine)
	gm := newIPETModel(b.ilp, model.LevelGCFG)
	b.models[model.LevelMachine] = mm
	b.models[model.LevelGCFG] = gm

	refEntry := b.program.MachineFunction(entryName)
	if refEntry == nil {
		refEntry = g.Entry().ABB.Function
	}
	rt := buildRefinement(model.LevelMachine, refEntry, b.program.FlowFacts)
	b.refinements[model.LevelMachine] = rt

	nodes := reachableGCFGNodes(g)
	b.log.Statistic("Reachable GCFG nodes: %d", len(nodes))

	superFns := make(map[string]bool)
	for _, n := range nodes {
		superFns[n.ABB.Function.Name] = true
	}

	// Declare super-structure edges, intra-ABB edges and the overrides
	// before any constraint is emitted.
	superIn := make(map[*model.GCFGNode][]EdgeID)
	superOut := make(map[*model.GCFGNode][]EdgeID)
	entryEdge := SuperEntryEdge(g.Entry())
	b.ilp.AddVariable(entryEdge)
	superIn[g.Entry()] = append(superIn[g.Entry()], entryEdge)
	for _, n := range nodes {
		for _, s := range n.Successors {
			e := SuperEdge(n, s)
			b.ilp.AddVariable(e)
			superOut[n] = append(superOut[n], e)
			superIn[s] = append(superIn[s], e)
		}
		if n.MayReturn {
			e := SuperExitEdge(n)
			b.ilp.AddVariable(e)
			superOut[n] = append(superOut[n], e)
		}
	}
	for _, n := range nodes {
		abb := n.ABB
		for _, blk := range abb.Blocks {
			for _, s := range blk.Successors {
				if !abb.Contains(s) {
					continue
				}
				e := BlockEdge(model.LevelMachine, blk, s)
				b.ilp.AddVariable(e)
				if b.opts.InstructionTiming && b.opts.Cost != nil {
					mm.AddCost(e, b.opts.Cost(blk, s))
				}
			}
		}
		mm.OverrideSumIncoming(abb.EntryBlock, superIn[n])
		mm.OverrideSumOutgoing(abb.ExitBlock, superOut[n])
	}

	if err := b.ilp.AddConstraint([]LinearTerm{{Var: entryEdge, Coeff: 1}}, model.CmpEqual, 1,
		"entry_"+g.Entry().QualifiedName(), TagStructural); err != nil {
		return err
	}
	for _, n := range nodes {
		terms := append(edgeTerms(superIn[n], 1), edgeTerms(superOut[n], -1)...)
		name := "structural_gcfg_" + n.QualifiedName()
		if err := b.ilp.AddConstraint(terms, model.CmpEqual, 0, name, TagStructural); err != nil {
			return err
		}
		for _, blk := range n.ABB.Blocks {
			if blk.IsDataOnly() {
				continue
			}
			var err error
			if rt.Infeasible(blk, "") {
				err = mm.AddInfeasibleBlockConstraints(blk)
			} else {
				err = mm.AddBlockConstraint(blk)
			}
			if err != nil {
				return err
			}
		}
	}

	// Calls out of ABB interiors pull in ordinary functions. Reachability
	// closure over those must stay disjoint from the super-structure.
	ordinary, err := b.foldOrdinaryFunctions(nodes, superFns, rt)
	if err != nil {
		return err
	}
	for _, fn := range ordinary {
		if err := b.emitFunction(mm, rt, fn); err != nil {
			return err
		}
	}
	for _, n := range nodes {
		if err := b.emitABBCallSites(mm, rt, n); err != nil {
			return err
		}
	}
	for _, fn := range ordinary {
		if err := b.emitCallSites(mm, rt, fn); err != nil {
			return err
		}
	}
	if err := b.emitCallerConstraints(mm); err != nil {
		return err
	}

	b.emitFlowFacts()
	return nil
}

func reachableGCFGNodes(g *model.GCFG) []*model.GCFGNode {
	seen := map[string]bool{g.Entry().Name: true}
	order := []*model.GCFGNode{g.Entry()}
	for i := 0; i < len(order); i++ {
		for _, s := range order[i].Successors {
			if !seen[s.Name] {
				seen[s.Name] = true
				order = append(order, s)
			}
		}
	}
	return order
}

// foldOrdinaryFunctions resolves every call site inside the reachable ABB
// regions and takes the reachability closure of the targets. Any function of
// that closure overlapping the super-structure is a fatal invariant
// violation.
func (b *IPETBuilder) foldOrdinaryFunctions(nodes []*model.GCFGNode, superFns map[string]bool, rt *RefinementTable) ([]*model.Function, error) {
	seen := make(map[string]bool)
	var order []*model.Function
	enqueue := func(fn *model.Function) error {
		if superFns[fn.Name] {
			return fmt.Errorf("%w: %s", ErrSuperStructureOverlap, fn.Name)
		}
		if !seen[fn.Name] {
			seen[fn.Name] = true
			order = append(order, fn)
		}
		return nil
	}
	for _, n := range nodes {
		for _, blk := range n.ABB.Blocks {
			if blk.IsDataOnly() || rt.Infeasible(blk, "") {
				continue
			}
			for _, site := range blk.CallSites() {
				targets, err := rt.CallTargets(site, "")
				if err != nil {
					return nil, err
				}
				for _, t := range targets {
					if err := enqueue(t); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	for i := 0; i < len(order); i++ {
		fn := order[i]
		for _, blk := range fn.Blocks {
			if blk.IsDataOnly() || rt.Infeasible(blk, "") {
				continue
			}
			for _, site := range blk.CallSites() {
				targets, err := rt.CallTargets(site, "")
				if err != nil {
					return nil, err
				}
				for _, t := range targets {
					if err := enqueue(t); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return order, nil
}

// emitABBCallSites registers the call sites found inside one ABB region.
func (b *IPETBuilder) emitABBCallSites(m *IPETModel, rt *RefinementTable, n *model.GCFGNode) error {
	return b.emitCallSitesForBlocks(m, rt, n.ABB.Blocks)
}
