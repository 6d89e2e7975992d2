package ipet

import (
	"errors"
	"fmt"

	"github.com/tanneberger/platin/model"
	"github.com/tanneberger/platin/output"
)

// emitFlowFacts replays every flow fact of the program as an additional
// constraint. Unsupported shapes are dropped with a warning; facts that
// mention unreachable code are dropped with a debug note.
func (b *IPETBuilder) emitFlowFacts() {
	for _, ff := range b.program.FlowFacts {
		b.emitFlowFact(ff)
	}
}

func (b *IPETBuilder) emitFlowFact(ff *model.FlowFact) {
	m := b.models[ff.Level]
	if m == nil {
		b.dropFact(ff, output.RuleDroppedFact, "level %s is not part of this analysis", ff.Level)
		return
	}
	if _, _, ok := ff.CallTargetRestriction(); ok {
		// Absorbed by control-flow refinement; there is nothing to lower.
		b.log.Debug("Flow fact %s consumed by call-target refinement", ff.Name)
		return
	}
	if ff.SymbolicRHS != "" {
		b.dropFact(ff, output.RuleDroppedFact, "symbolic right-hand side %q is not supported", ff.SymbolicRHS)
		return
	}
	if ff.Scope.Context != "" {
		b.dropFact(ff, output.RuleDroppedFact, "context-sensitive scope is not supported")
		return
	}

	terms := ff.LHS
	if ff.Level == model.LevelBitcode {
		var ok bool
		terms, ok = b.resolveMarkers(ff)
		if !ok {
			return
		}
	}

	var lhs []LinearTerm
	rhs := ff.RHS
	for _, t := range terms {
		if t.Context != "" {
			b.dropFact(ff, output.RuleDroppedFact, "context-sensitive term is not supported")
			return
		}
		switch pt := t.Point.(type) {
		case *model.Function:
			lhs = append(lhs, scaleTerms(m.FunctionFrequency(pt), t.Factor)...)
		case *model.Block:
			lhs = append(lhs, scaleTerms(m.BlockFrequency(pt), t.Factor)...)
		case model.Edge:
			lhs = append(lhs, LinearTerm{Var: b.edgeVariable(m, pt), Coeff: t.Factor})
		case *model.Loop:
			lhs = append(lhs, scaleTerms(m.SumLoopEntry(pt), t.Factor)...)
		case model.Constant:
			rhs -= t.Factor * int64(pt)
		case *model.Instruction:
			b.dropFact(ff, output.RuleDroppedFact, "instruction-level term %s is not supported", pt.QualifiedName())
			return
		default:
			b.dropFact(ff, output.RuleDroppedFact, "unsupported term %s", t.Point.QualifiedName())
			return
		}
	}

	// Fold the scope frequency into the left-hand side so the emitted
	// constraint has a zero constant side.
	switch scope := ff.Scope.Point.(type) {
	case *model.Function:
		lhs = append(lhs, scaleTerms(m.FunctionFrequency(scope), -rhs)...)
	case *model.Loop:
		lhs = append(lhs, scaleTerms(m.SumLoopEntry(scope), -rhs)...)
	default:
		b.dropFact(ff, output.RuleDroppedFact, "unsupported scope %s", ff.Scope.Point.QualifiedName())
		return
	}

	name := fmt.Sprintf("flowfact_%d_%s", b.factSeq, ff.Name)
	b.factSeq++
	if err := b.ilp.AddConstraint(mergeTerms(lhs), ff.Op, 0, name, TagFlowFact); err != nil {
		if errors.Is(err, ErrMissingVariable) {
			b.log.Debug("Skipping constraint for flow fact %s: %v", ff.Name, err)
			b.diags = append(b.diags, Diagnostic{
				Rule:    output.RuleSkippedConstraint,
				Fact:    ff.Name,
				Message: fmt.Sprintf("flow fact %s references code outside the analyzed program: %v", ff.Name, err),
			})
			return
		}
		b.log.Warning("Failed to emit flow fact %s: %v", ff.Name, err)
	}
}

// resolveMarkers rewrites every marker term of a bitcode fact into one term
// per matching instruction, the factor preserved and the program point
// replaced by the instruction's containing block. A marker with no resolved
// instruction drops the whole fact.
func (b *IPETBuilder) resolveMarkers(ff *model.FlowFact) ([]model.Term, bool) {
	var out []model.Term
	for _, t := range ff.LHS {
		marker, ok := t.Point.(model.Marker)
		if !ok {
			out = append(out, t)
			continue
		}
		insns := b.markers[string(marker)]
		if len(insns) == 0 {
			b.dropFact(ff, output.RuleUnknownMarker, "marker %q resolves to no instruction", string(marker))
			return nil, false
		}
		for _, insn := range insns {
			out = append(out, model.Term{Factor: t.Factor, Point: insn.Block, Context: t.Context})
		}
	}
	return out, true
}

// edgeVariable maps an edge program point to its flow variable.
func (b *IPETBuilder) edgeVariable(m *IPETModel, e model.Edge) EdgeID {
	if e.Target == nil {
		return ExitEdge(m.Level(), e.Source)
	}
	return BlockEdge(m.Level(), e.Source, e.Target)
}

func (b *IPETBuilder) dropFact(ff *model.FlowFact, rule, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	b.log.Warning("Dropping flow fact %s: %s", ff.Name, msg)
	b.diags = append(b.diags, Diagnostic{
		Rule:    rule,
		Fact:    ff.Name,
		Message: fmt.Sprintf("flow fact %s: %s", ff.Name, msg),
	})
}

func scaleTerms(terms []LinearTerm, factor int64) []LinearTerm {
	out := make([]LinearTerm, 0, len(terms))
	for _, t := range terms {
		out = append(out, LinearTerm{Var: t.Var, Coeff: t.Coeff * factor})
	}
	return out
}

// mergeTerms sums the coefficients of repeated variables, keeping first
// occurrence order and dropping terms that cancel out.
func mergeTerms(terms []LinearTerm) []LinearTerm {
	index := make(map[EdgeID]int, len(terms))
	var order []EdgeID
	sums := make(map[EdgeID]int64, len(terms))
	for _, t := range terms {
		if _, ok := index[t.Var]; !ok {
			index[t.Var] = len(order)
			order = append(order, t.Var)
		}
		sums[t.Var] += t.Coeff
	}
	out := make([]LinearTerm, 0, len(order))
	for _, v := range order {
		if sums[v] != 0 {
			out = append(out, LinearTerm{Var: v, Coeff: sums[v]})
		}
	}
	return out
}
