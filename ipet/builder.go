package ipet

import (
	"fmt"

	"github.com/tanneberger/platin/model"
	"github.com/tanneberger/platin/output"
)

// CostFunc assigns the cycle cost of one machine-code edge. A nil dst means
// the exit edge of src.
type CostFunc func(src, dst *model.Block) int64

// Options selects what the builder emits.
type Options struct {
	// UseBitcode couples the bitcode CFGs to the machine CFGs through
	// their relation graphs.
	UseBitcode bool
	// UseGCFG replaces CFG reachability with a traversal of the global
	// control-flow graph of atomic basic blocks.
	UseGCFG bool
	// InstructionTiming attaches per-edge costs through Cost.
	InstructionTiming bool
	// PredicatedCalls relaxes call-site balance to an upper bound for
	// platforms where a call instruction may not fire on every execution.
	PredicatedCalls bool
	// Cost supplies per-edge cycle costs; consulted only when
	// InstructionTiming is set.
	Cost CostFunc
	// AcceptRelationGraph filters which relation graphs are trusted. The
	// default accepts graphs with an empty or "valid" status.
	AcceptRelationGraph func(*model.RelationGraph) bool
}

// Diagnostic records a recovered problem: a dropped flow fact, an unknown
// marker or a skipped constraint.
type Diagnostic struct {
	Rule    string
	Fact    string
	Message string
}

// IPETBuilder assembles the integer linear program for one analysis run. A
// builder is single-use: all state is scoped to one Build invocation, and on
// error the partially emitted constraint set must be discarded by the
// caller.
type IPETBuilder struct {
	program *model.Program
	opts    Options
	ilp     Solver
	log     *output.Logger

	models      map[model.Level]*IPETModel
	refinements map[model.Level]*RefinementTable
	callEdges   []EdgeID
	callers     map[string][]EdgeID
	calleeOrder []*model.Function
	markers     map[string][]*model.Instruction
	factSeq     int
	diags       []Diagnostic
	built       bool
}

// NewIPETBuilder creates a builder over the given program model and solver.
// A nil logger is replaced by a quiet one.
func NewIPETBuilder(prog *model.Program, ilp Solver, opts Options, log *output.Logger) *IPETBuilder {
	if log == nil {
		log = output.NewQuietLogger()
	}
	return &IPETBuilder{
		program:     prog,
		opts:        opts,
		ilp:         ilp,
		log:         log,
		models:      make(map[model.Level]*IPETModel),
		refinements: make(map[model.Level]*RefinementTable),
		callers:     make(map[string][]EdgeID),
		markers:     make(map[string][]*model.Instruction),
	}
}

// Model returns the per-level model, or nil if the level is inactive.
func (b *IPETBuilder) Model(level model.Level) *IPETModel { return b.models[level] }

// Refinement returns the per-level refinement table, or nil.
func (b *IPETBuilder) Refinement(level model.Level) *RefinementTable { return b.refinements[level] }

// CallEdges returns every call edge discovered during the build, in
// discovery order.
func (b *IPETBuilder) CallEdges() []EdgeID { return b.callEdges }

// Diagnostics returns the recovered problems of the build, in emission
// order.
func (b *IPETBuilder) Diagnostics() []Diagnostic { return b.diags }

// Build emits the complete constraint system for an analysis starting at
// the named machine function (or at the GCFG entry node in GCFG mode). A
// second invocation fails with ErrBuilderReused.
func (b *IPETBuilder) Build(entryName string) error {
	if b.built {
		return ErrBuilderReused
	}
	b.built = true
	if b.opts.UseGCFG {
		if b.opts.UseBitcode {
			return ErrBitcodeUnderGCFG
		}
		return b.buildGCFG(entryName)
	}
	return b.buildCFG(entryName)
}

func (b *IPETBuilder) buildCFG(entryName string) error {
	entry := b.program.MachineFunction(entryName)
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrNoEntryFunction, entryName)
	}

	mm := newIPETModel(b.ilp, model.LevelMachine)
	b.models[model.LevelMachine] = mm
	if b.opts.UseBitcode {
		b.models[model.LevelBitcode] = newIPETModel(b.ilp, model.LevelBitcode)
	}

	b.log.Progress("Building refinement tables...")
	rt := buildRefinement(model.LevelMachine, entry, b.program.FlowFacts)
	b.refinements[model.LevelMachine] = rt
	if b.opts.UseBitcode {
		bcEntry := b.program.BitcodeFunction(entryName)
		b.refinements[model.LevelBitcode] = buildRefinement(model.LevelBitcode, bcEntry, b.program.FlowFacts)
	}

	reachable, err := b.reachableFunctions(entry, rt)
	if err != nil {
		return err
	}
	b.log.Statistic("Reachable functions: %d", len(reachable))

	for _, fn := range reachable {
		if err := b.emitFunction(mm, rt, fn); err != nil {
			return err
		}
	}

	if b.opts.UseBitcode {
		if err := b.emitBitcode(reachable); err != nil {
			return err
		}
	}

	for _, fn := range reachable {
		if err := b.emitCallSites(mm, rt, fn); err != nil {
			return err
		}
	}

	if err := mm.AddEntryConstraint(entry); err != nil {
		return err
	}
	if err := b.emitCallerConstraints(mm); err != nil {
		return err
	}

	b.emitFlowFacts()
	return nil
}

// reachableFunctions walks the call graph from entry, following the refined
// target sets of every feasible call site. Infeasible blocks contribute no
// call sites. Discovery order is the deterministic BFS order.
func (b *IPETBuilder) reachableFunctions(entry *model.Function, rt *RefinementTable) ([]*model.Function, error) {
	seen := map[string]bool{entry.Name: true}
	order := []*model.Function{entry}
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
					if !seen[t.Name] {
						seen[t.Name] = true
						order = append(order, t)
					}
				}
			}
		}
	}
	return order, nil
}

// emitFunction declares the edge variables of one function, attaches costs
// and emits its block-structural (or infeasibility) constraints.
func (b *IPETBuilder) emitFunction(m *IPETModel, rt *RefinementTable, fn *model.Function) error {
	for _, blk := range fn.Blocks {
		if blk.IsDataOnly() {
			continue
		}
		m.DeclareBlockVariables(blk)
		b.attachEdgeCosts(m, blk)
	}
	for _, blk := range fn.Blocks {
		if blk.IsDataOnly() {
			continue
		}
		var err error
		if rt.Infeasible(blk, "") {
			err = m.AddInfeasibleBlockConstraints(blk)
		} else {
			err = m.AddBlockConstraint(blk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *IPETBuilder) attachEdgeCosts(m *IPETModel, blk *model.Block) {
	if !b.opts.InstructionTiming || b.opts.Cost == nil || m.Level() != model.LevelMachine {
		return
	}
	for _, s := range blk.Successors {
		m.AddCost(BlockEdge(m.Level(), blk, s), b.opts.Cost(blk, s))
	}
	if blk.MayReturn || len(blk.Successors) == 0 {
		m.AddCost(ExitEdge(m.Level(), blk), b.opts.Cost(blk, nil))
	}
}

// emitCallSites registers the call instructions of one function and records
// the resulting call edges under their callees.
func (b *IPETBuilder) emitCallSites(m *IPETModel, rt *RefinementTable, fn *model.Function) error {
	return b.emitCallSitesForBlocks(m, rt, fn.Blocks)
}

func (b *IPETBuilder) emitCallSitesForBlocks(m *IPETModel, rt *RefinementTable, blocks []*model.Block) error {
	for _, blk := range blocks {
		if blk.IsDataOnly() || rt.Infeasible(blk, "") {
			continue
		}
		for _, site := range blk.CallSites() {
			targets, err := rt.CallTargets(site, "")
			if err != nil {
				return err
			}
			edges, err := m.AddCallSite(site, targets, b.opts.PredicatedCalls)
			if err != nil {
				return err
			}
			b.callEdges = append(b.callEdges, edges...)
			for i, target := range targets {
				if _, ok := b.callers[target.Name]; !ok {
					b.calleeOrder = append(b.calleeOrder, target)
				}
				b.callers[target.Name] = append(b.callers[target.Name], edges[i])
			}
		}
	}
	return nil
}

func (b *IPETBuilder) emitCallerConstraints(m *IPETModel) error {
	for _, callee := range b.calleeOrder {
		if err := m.AddCallerConstraint(callee, b.callers[callee.Name]); err != nil {
			return err
		}
	}
	return nil
}

// emitBitcode couples the bitcode CFG of every reachable machine function
// that has an accepted relation graph: bitcode edge variables, relation
// edge variables, the marker index and the coupling constraint families.
func (b *IPETBuilder) emitBitcode(reachable []*model.Function) error {
	bm := b.models[model.LevelBitcode]
	brt := b.refinements[model.LevelBitcode]
	for _, fn := range reachable {
		rg := b.program.RelationGraphFor(fn)
		if rg == nil || !b.acceptRelationGraph(rg) {
			continue
		}
		bc := rg.Src
		b.log.Progress("Coupling bitcode function %s through relation graph %s", bc.Name, rg.Name)
		for _, blk := range bc.Blocks {
			if blk.IsDataOnly() {
				continue
			}
			bm.DeclareBlockVariables(blk)
		}
		b.indexMarkers(bc)
		for _, blk := range bc.Blocks {
			if blk.IsDataOnly() {
				continue
			}
			var err error
			if brt.Infeasible(blk, "") {
				err = bm.AddInfeasibleBlockConstraints(blk)
			} else {
				err = bm.AddBlockConstraint(blk)
			}
			if err != nil {
				return err
			}
		}
		if err := b.addRelationGraphConstraints(rg); err != nil {
			return err
		}
	}
	return nil
}

func (b *IPETBuilder) acceptRelationGraph(rg *model.RelationGraph) bool {
	if b.opts.AcceptRelationGraph != nil {
		return b.opts.AcceptRelationGraph(rg)
	}
	return rg.Status == "" || rg.Status == "valid"
}

func (b *IPETBuilder) indexMarkers(fn *model.Function) {
	for _, blk := range fn.Blocks {
		for _, insn := range blk.Instructions {
			if insn.Marker != "" {
				b.markers[insn.Marker] = append(b.markers[insn.Marker], insn)
			}
		}
	}
}

// rgEdge is one relation-graph edge with its side membership. A progress
// edge appears on both sides.
type rgEdge struct {
	id       EdgeID
	from, to *model.RelationNode
	srcSide  bool
	dstSide  bool
}

// addRelationGraphConstraints declares the relation-edge variables of one
// graph and emits the coupling families: per-side edge coupling (each CFG
// edge equals the relation edges projecting onto it) and progress coupling
// (src- and dst-side outflow agree at every entry/progress node).
func (b *IPETBuilder) addRelationGraphConstraints(rg *model.RelationGraph) error {
	edges, index := collectRelationEdges(rg)
	for _, e := range edges {
		b.ilp.AddVariable(e.id)
	}

	for _, side := range []model.RelationSide{model.SideSrc, model.SideDst} {
		level := model.LevelBitcode
		if side == model.SideDst {
			level = model.LevelMachine
		}
		var order []EdgeID
		projections := make(map[EdgeID][]EdgeID)
		for _, e := range edges {
			cfgEdge, ok := e.project(side, level)
			if !ok {
				continue
			}
			if _, seen := projections[cfgEdge]; !seen {
				order = append(order, cfgEdge)
			}
			projections[cfgEdge] = append(projections[cfgEdge], e.id)
		}
		for _, cfgEdge := range order {
			terms := append([]LinearTerm{{Var: cfgEdge, Coeff: 1}}, edgeTerms(projections[cfgEdge], -1)...)
			name := "rg_edge_" + side.String() + "_" + cfgEdge.Name()
			if err := b.ilp.AddConstraint(terms, model.CmpEqual, 0, name, TagStructural); err != nil {
				return err
			}
		}
	}

	for _, n := range rg.Nodes {
		if n.Type != model.RelationEntry && n.Type != model.RelationProgress {
			continue
		}
		var terms []LinearTerm
		for _, s := range n.SrcSuccessors {
			terms = append(terms, LinearTerm{Var: edges[index[[2]string{n.Name, s.Name}]].id, Coeff: 1})
		}
		for _, s := range n.DstSuccessors {
			terms = append(terms, LinearTerm{Var: edges[index[[2]string{n.Name, s.Name}]].id, Coeff: -1})
		}
		name := "rg_progress_" + n.QualifiedName()
		if err := b.ilp.AddConstraint(terms, model.CmpEqual, 0, name, TagStructural); err != nil {
			return err
		}
	}
	return nil
}

// project maps a relation edge to the CFG edge it represents on one side, if
// any: both endpoints must expose a block there, or the target must be the
// exit node, which projects onto the source block's exit edge.
func (e rgEdge) project(side model.RelationSide, level model.Level) (EdgeID, bool) {
	onSide := e.srcSide
	if side == model.SideDst {
		onSide = e.dstSide
	}
	if !onSide {
		return EdgeID{}, false
	}
	from := e.from.Block(side)
	if from == nil {
		return EdgeID{}, false
	}
	if to := e.to.Block(side); to != nil {
		return BlockEdge(level, from, to), true
	}
	if e.to.Type == model.RelationExit {
		return ExitEdge(level, from), true
	}
	return EdgeID{}, false
}

// collectRelationEdges gathers the distinct edges of a relation graph in
// deterministic node/successor order, merging the side membership of edges
// that appear in both successor lists.
func collectRelationEdges(rg *model.RelationGraph) ([]rgEdge, map[[2]string]int) {
	var edges []rgEdge
	index := make(map[[2]string]int)
	add := func(from, to *model.RelationNode, src bool) {
		key := [2]string{from.Name, to.Name}
		i, ok := index[key]
		if !ok {
			i = len(edges)
			index[key] = i
			edges = append(edges, rgEdge{id: RelationEdge(from, to), from: from, to: to})
		}
		if src {
			edges[i].srcSide = true
		} else {
			edges[i].dstSide = true
		}
	}
	for _, n := range rg.Nodes {
		for _, s := range n.SrcSuccessors {
			add(n, s, true)
		}
		for _, s := range n.DstSuccessors {
			add(n, s, false)
		}
	}
	return edges, index
}
