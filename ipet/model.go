package ipet

import (
	"github.com/tanneberger/platin/model"
)

// IPETModel emits the structural constraints of one representation level. It
// owns the sum-incoming/sum-outgoing policy for blocks, the synthesis of
// exit edges and the override maps that splice the GCFG super-structure into
// intra-ABB flow conservation.
type IPETModel struct {
	ilp   Solver
	level model.Level

	sumIncomingOverride map[string][]EdgeID
	sumOutgoingOverride map[string][]EdgeID
}

func newIPETModel(ilp Solver, level model.Level) *IPETModel {
	return &IPETModel{
		ilp:                 ilp,
		level:               level,
		sumIncomingOverride: make(map[string][]EdgeID),
		sumOutgoingOverride: make(map[string][]EdgeID),
	}
}

// Level returns the representation level the model emits for.
func (m *IPETModel) Level() model.Level { return m.level }

// OverrideSumIncoming replaces the incoming-flow sum of a block with an
// explicit edge list.
func (m *IPETModel) OverrideSumIncoming(b *model.Block, edges []EdgeID) {
	m.sumIncomingOverride[b.QualifiedName()] = edges
}

// OverrideSumOutgoing replaces the outgoing-flow sum of a block with an
// explicit edge list.
func (m *IPETModel) OverrideSumOutgoing(b *model.Block, edges []EdgeID) {
	m.sumOutgoingOverride[b.QualifiedName()] = edges
}

// OutgoingEdges enumerates the flow variables leaving a block: one per CFG
// successor, plus the synthetic exit edge for returning blocks. A sink
// without successors drains through the exit edge alone.
func (m *IPETModel) OutgoingEdges(b *model.Block) []EdgeID {
	var edges []EdgeID
	for _, s := range b.Successors {
		edges = append(edges, BlockEdge(m.level, b, s))
	}
	if b.MayReturn || len(b.Successors) == 0 {
		edges = append(edges, ExitEdge(m.level, b))
	}
	return edges
}

// IncomingEdges enumerates the flow variables entering a block. Edges from
// data-only blocks are skipped since those blocks carry no variables.
func (m *IPETModel) IncomingEdges(b *model.Block) []EdgeID {
	var edges []EdgeID
	for _, p := range b.Predecessors {
		if p.IsDataOnly() {
			continue
		}
		edges = append(edges, BlockEdge(m.level, p, b))
	}
	return edges
}

func (m *IPETModel) sumOutgoing(b *model.Block) []EdgeID {
	if ov, ok := m.sumOutgoingOverride[b.QualifiedName()]; ok {
		return ov
	}
	return m.OutgoingEdges(b)
}

func (m *IPETModel) sumIncoming(b *model.Block) []EdgeID {
	if ov, ok := m.sumIncomingOverride[b.QualifiedName()]; ok {
		return ov
	}
	return m.IncomingEdges(b)
}

// DeclareBlockVariables declares the outgoing edge variables of a block.
func (m *IPETModel) DeclareBlockVariables(b *model.Block) []EdgeID {
	edges := m.OutgoingEdges(b)
	for _, e := range edges {
		m.ilp.AddVariable(e)
	}
	return edges
}

// hasStructuralConstraint reports whether flow conservation applies: every
// block except a function entry without an incoming override.
func (m *IPETModel) hasStructuralConstraint(b *model.Block) bool {
	if b.Index > 0 {
		return true
	}
	_, ok := m.sumIncomingOverride[b.QualifiedName()]
	return ok
}

// AddBlockConstraint emits flow conservation for a feasible block:
// Σ in − Σ out = 0, with the exit edge included in Σ out for returning
// blocks and overrides consulted on both sides.
func (m *IPETModel) AddBlockConstraint(b *model.Block) error {
	if !m.hasStructuralConstraint(b) {
		return nil
	}
	terms := m.conservationTerms(b)
	name := "structural_" + string(m.level) + "_" + b.QualifiedName()
	return m.ilp.AddConstraint(terms, model.CmpEqual, 0, name, TagStructural)
}

// AddInfeasibleBlockConstraints emits the structural constraint of an
// infeasible block followed by Σ in = 0 and Σ out = 0.
func (m *IPETModel) AddInfeasibleBlockConstraints(b *model.Block) error {
	if err := m.AddBlockConstraint(b); err != nil {
		return err
	}
	qn := b.QualifiedName()
	if m.hasStructuralConstraint(b) {
		in := edgeTerms(m.sumIncoming(b), 1)
		if err := m.ilp.AddConstraint(in, model.CmpEqual, 0, "infeasible_in_"+qn, TagInfeasible); err != nil {
			return err
		}
	}
	out := edgeTerms(m.sumOutgoing(b), 1)
	return m.ilp.AddConstraint(out, model.CmpEqual, 0, "infeasible_out_"+qn, TagInfeasible)
}

func (m *IPETModel) conservationTerms(b *model.Block) []LinearTerm {
	terms := edgeTerms(m.sumIncoming(b), 1)
	return append(terms, edgeTerms(m.sumOutgoing(b), -1)...)
}

// FunctionFrequency expresses freq(fn) as the outgoing flow of its entry
// block (which degenerates to the exit edge for a trivially empty body).
func (m *IPETModel) FunctionFrequency(fn *model.Function) []LinearTerm {
	entry := fn.EntryBlock()
	if entry == nil {
		return nil
	}
	return edgeTerms(m.sumOutgoing(entry), 1)
}

// BlockFrequency expresses freq(b) as its outgoing flow.
func (m *IPETModel) BlockFrequency(b *model.Block) []LinearTerm {
	return edgeTerms(m.sumOutgoing(b), 1)
}

// SumLoopEntry expresses the entry frequency of a loop: the incoming flow of
// its header along non-back edges.
func (m *IPETModel) SumLoopEntry(l *model.Loop) []LinearTerm {
	h := l.Header
	var terms []LinearTerm
	for _, p := range h.Predecessors {
		if p.IsDataOnly() || h.IsBackEdge(p) {
			continue
		}
		terms = append(terms, LinearTerm{Var: BlockEdge(m.level, p, h), Coeff: 1})
	}
	return terms
}

// AddEntryConstraint normalizes the analysis entry: freq(fn) = 1.
func (m *IPETModel) AddEntryConstraint(fn *model.Function) error {
	terms := m.FunctionFrequency(fn)
	return m.ilp.AddConstraint(terms, model.CmpEqual, 1, "entry_"+fn.Name, TagStructural)
}

// AddCallSite registers a call instruction as an ILP variable tied to its
// block and bounds the call edges to the given targets by the instruction
// frequency. Predicated call platforms get an inequality (the call may not
// fire every time the instruction executes); otherwise the bound is exact.
// The declared call edges are returned in target order.
func (m *IPETModel) AddCallSite(site *model.Instruction, targets []*model.Function, predicated bool) ([]EdgeID, error) {
	iv := InstructionVar(m.level, site)
	m.ilp.AddVariable(iv)
	terms := append([]LinearTerm{{Var: iv, Coeff: 1}}, edgeTerms(m.sumOutgoing(site.Block), -1)...)
	if err := m.ilp.AddConstraint(terms, model.CmpEqual, 0, "instruction_"+site.QualifiedName(), TagInstr); err != nil {
		return nil, err
	}
	var callEdges []EdgeID
	for _, target := range targets {
		ce := CallEdge(m.level, site, target)
		m.ilp.AddVariable(ce)
		callEdges = append(callEdges, ce)
	}
	op := model.CmpLessEqual
	if !predicated {
		op = model.CmpEqual
	}
	bound := append(edgeTerms(callEdges, 1), LinearTerm{Var: iv, Coeff: -1})
	if err := m.ilp.AddConstraint(bound, op, 0, "callsite_"+site.QualifiedName(), TagCallSite); err != nil {
		return nil, err
	}
	return callEdges, nil
}

// AddCallerConstraint balances a called function against its call edges:
// freq(fn) − Σ call_edges = 0.
func (m *IPETModel) AddCallerConstraint(fn *model.Function, callEdges []EdgeID) error {
	terms := append(m.FunctionFrequency(fn), edgeTerms(callEdges, -1)...)
	return m.ilp.AddConstraint(terms, model.CmpEqual, 0, "callers_"+fn.Name, TagStructural)
}

// AddCost records an objective coefficient for one edge variable.
func (m *IPETModel) AddCost(e EdgeID, cost int64) {
	if cost != 0 {
		m.ilp.AddCost(e, cost)
	}
}

func edgeTerms(edges []EdgeID, coeff int64) []LinearTerm {
	terms := make([]LinearTerm, 0, len(edges))
	for _, e := range edges {
		terms = append(terms, LinearTerm{Var: e, Coeff: coeff})
	}
	return terms
}
