package ipet

import (
	"github.com/tanneberger/platin/model"
)

// EdgeKind distinguishes the shapes of ILP decision variables. Identity is
// carried by the qualified source/target names together with the level; the
// kind follows deterministically from them and exists for the writers.
type EdgeKind int

const (
	// EdgeBlock is a CFG edge between two blocks, or a super-structure
	// edge between two GCFG nodes.
	EdgeBlock EdgeKind = iota
	// EdgeExit is the synthetic edge from a returning block (or GCFG
	// node) to the function exit.
	EdgeExit
	// EdgeCall connects a call instruction to one of its callees.
	EdgeCall
	// EdgeRelation is an edge of a relation graph.
	EdgeRelation
	// EdgeInstruction is the frequency variable of a single instruction.
	EdgeInstruction
	// EdgeEntry is the synthetic edge into the GCFG entry node.
	EdgeEntry
)

const (
	exitSentinel  = "__exit__"
	entrySentinel = "__entry__"
)

// EdgeID is the canonical identity of one ILP decision variable. Two EdgeIDs
// compare equal exactly when they name the same flow variable.
type EdgeID struct {
	Source string
	Target string
	Level  model.Level
	Kind   EdgeKind
}

// Name returns the canonical qualified name used for diagnostics and
// deterministic variable ordering.
func (e EdgeID) Name() string {
	if e.Kind == EdgeInstruction {
		return string(e.Level) + ":" + e.Source
	}
	return string(e.Level) + ":" + e.Source + "->" + e.Target
}

// BlockEdge identifies the CFG edge src→dst at the given level.
func BlockEdge(level model.Level, src, dst *model.Block) EdgeID {
	return EdgeID{Source: src.QualifiedName(), Target: dst.QualifiedName(), Level: level, Kind: EdgeBlock}
}

// ExitEdge identifies the synthetic edge from src to the function exit.
func ExitEdge(level model.Level, src *model.Block) EdgeID {
	return EdgeID{Source: src.QualifiedName(), Target: exitSentinel, Level: level, Kind: EdgeExit}
}

// CallEdge identifies the edge from a call instruction to one callee.
func CallEdge(level model.Level, site *model.Instruction, callee *model.Function) EdgeID {
	return EdgeID{Source: site.QualifiedName(), Target: callee.QualifiedName(), Level: level, Kind: EdgeCall}
}

// InstructionVar identifies the frequency variable of a call instruction.
func InstructionVar(level model.Level, insn *model.Instruction) EdgeID {
	return EdgeID{Source: insn.QualifiedName(), Level: level, Kind: EdgeInstruction}
}

// RelationEdge identifies one edge of a relation graph.
func RelationEdge(from, to *model.RelationNode) EdgeID {
	return EdgeID{Source: from.QualifiedName(), Target: to.QualifiedName(), Level: model.LevelRelation, Kind: EdgeRelation}
}

// SuperEdge identifies a super-structure edge between two GCFG nodes.
func SuperEdge(from, to *model.GCFGNode) EdgeID {
	return EdgeID{Source: from.QualifiedName(), Target: to.QualifiedName(), Level: model.LevelGCFG, Kind: EdgeBlock}
}

// SuperExitEdge identifies the super-structure edge from a returning GCFG
// node to the system exit.
func SuperExitEdge(from *model.GCFGNode) EdgeID {
	return EdgeID{Source: from.QualifiedName(), Target: exitSentinel, Level: model.LevelGCFG, Kind: EdgeExit}
}

// SuperEntryEdge identifies the synthetic edge into the GCFG entry node.
func SuperEntryEdge(to *model.GCFGNode) EdgeID {
	return EdgeID{Source: entrySentinel, Target: to.QualifiedName(), Level: model.LevelGCFG, Kind: EdgeEntry}
}
