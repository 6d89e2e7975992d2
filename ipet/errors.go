package ipet

import (
	"errors"
	"fmt"

	"github.com/tanneberger/platin/model"
)

var (
	// ErrBuilderReused indicates a builder's Build was invoked twice.
	ErrBuilderReused = errors.New("ipet: builder already used, create a new one per analysis")
	// ErrBitcodeUnderGCFG indicates the unsupported combination of bitcode
	// coupling with a global control-flow graph.
	ErrBitcodeUnderGCFG = errors.New("ipet: bitcode analysis is not supported together with a global control-flow graph")
	// ErrMissingVariable indicates a constraint referenced a variable that
	// was never declared. The builder recovers by dropping the constraint.
	ErrMissingVariable = errors.New("ipet: constraint references an undeclared variable")
	// ErrSuperStructureOverlap indicates a function reachable through an
	// ordinary call is already covered by the GCFG super-structure.
	ErrSuperStructureOverlap = errors.New("ipet: ordinary call re-enters super-structured code")
	// ErrNoEntryFunction indicates the requested analysis entry does not
	// exist in the program model.
	ErrNoEntryFunction = errors.New("ipet: analysis entry function not found")
	// ErrNoGCFG indicates GCFG mode was requested for a program without a
	// global control-flow graph.
	ErrNoGCFG = errors.New("ipet: program model has no global control-flow graph")
)

// UnresolvedIndirectCallError is raised when a call site has neither a static
// callee list nor a flow-fact-provided target set. It is fatal for the
// analysis run.
type UnresolvedIndirectCallError struct {
	Site *model.Instruction
}

func (e *UnresolvedIndirectCallError) Error() string {
	return fmt.Sprintf("ipet: unresolved indirect call at %s (block %s): no static callees and no call-target flow fact",
		e.Site.QualifiedName(), e.Site.Block.QualifiedName())
}
