package ipet

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tanneberger/platin/model"
)

// Tag categorizes constraints for downstream filtering.
type Tag string

const (
	TagStructural Tag = "structural"
	TagCallSite   Tag = "callsite"
	TagInstr      Tag = "instruction"
	TagInfeasible Tag = "infeasible"
	TagFlowFact   Tag = "flowfact"
)

// LinearTerm is one coefficient·variable summand of a constraint.
type LinearTerm struct {
	Var   EdgeID
	Coeff int64
}

// Solver is the thin contract the builder drives. Implementations record or
// forward variables, constraints and objective coefficients; solving is not
// part of the contract. AddConstraint must report ErrMissingVariable when a
// term references an undeclared variable so the builder can recover.
type Solver interface {
	AddVariable(id EdgeID)
	HasVariable(id EdgeID) bool
	AddConstraint(terms []LinearTerm, op model.Comparison, rhs int64, name string, tag Tag) error
	AddCost(id EdgeID, cost int64)
}

// Constraint is one recorded row of the integer linear program.
type Constraint struct {
	Name  string
	Tag   Tag
	Terms []LinearTerm
	Op    model.Comparison
	RHS   int64
}

// Problem is the in-memory Solver used by the CLI and the tests. Variables
// and constraints keep insertion order so that identical inputs produce
// byte-identical output.
type Problem struct {
	variables []EdgeID
	costs     map[EdgeID]int64
	index     map[EdgeID]int
	rows      []Constraint
}

// NewProblem returns an empty recording solver.
func NewProblem() *Problem {
	return &Problem{
		costs: make(map[EdgeID]int64),
		index: make(map[EdgeID]int),
	}
}

// AddVariable declares a variable. Re-declaring is a no-op.
func (p *Problem) AddVariable(id EdgeID) {
	if _, ok := p.index[id]; ok {
		return
	}
	p.index[id] = len(p.variables)
	p.variables = append(p.variables, id)
}

// HasVariable reports whether id has been declared.
func (p *Problem) HasVariable(id EdgeID) bool {
	_, ok := p.index[id]
	return ok
}

// AddConstraint records a row. Referencing an undeclared variable returns an
// error wrapping ErrMissingVariable and records nothing.
func (p *Problem) AddConstraint(terms []LinearTerm, op model.Comparison, rhs int64, name string, tag Tag) error {
	for _, t := range terms {
		if !p.HasVariable(t.Var) {
			return fmt.Errorf("%w: %s in constraint %s", ErrMissingVariable, t.Var.Name(), name)
		}
	}
	p.rows = append(p.rows, Constraint{
		Name:  name,
		Tag:   tag,
		Terms: append([]LinearTerm(nil), terms...),
		Op:    op,
		RHS:   rhs,
	})
	return nil
}

// AddCost accumulates an objective coefficient for a declared variable.
func (p *Problem) AddCost(id EdgeID, cost int64) {
	if !p.HasVariable(id) {
		return
	}
	p.costs[id] += cost
}

// Variables returns the declared variables in declaration order.
func (p *Problem) Variables() []EdgeID { return p.variables }

// Constraints returns the recorded rows in emission order.
func (p *Problem) Constraints() []Constraint { return p.rows }

// Cost returns the accumulated objective coefficient of a variable.
func (p *Problem) Cost(id EdgeID) int64 { return p.costs[id] }

// VariableNames returns the canonical names in declaration order.
func (p *Problem) VariableNames() []string {
	names := make([]string, len(p.variables))
	for i, v := range p.variables {
		names[i] = v.Name()
	}
	return names
}

// ConstraintNames returns the row names in emission order.
func (p *Problem) ConstraintNames() []string {
	names := make([]string, len(p.rows))
	for i, c := range p.rows {
		names[i] = c.Name
	}
	return names
}

func (p *Problem) varName(id EdgeID) string {
	return fmt.Sprintf("x%d", p.index[id])
}

// WriteLP writes the recorded program in CPLEX LP text format. The objective
// maximizes the accumulated edge costs; all variables are general integers.
func (p *Problem) WriteLP(w io.Writer) error {
	for _, v := range p.variables {
		if _, err := fmt.Fprintf(w, "\\ %s = %s\n", p.varName(v), v.Name()); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, "Maximize"); err != nil {
		return err
	}
	obj := " obj:"
	empty := true
	for _, v := range p.variables {
		if c := p.costs[v]; c != 0 {
			obj += fmt.Sprintf(" %+d %s", c, p.varName(v))
			empty = false
		}
	}
	if empty {
		if len(p.variables) > 0 {
			obj += " 0 " + p.varName(p.variables[0])
		} else {
			obj += " 0"
		}
	}
	if _, err := fmt.Fprintln(w, obj); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "Subject To"); err != nil {
		return err
	}
	for i, c := range p.rows {
		row := fmt.Sprintf(" c%d:", i)
		for _, t := range c.Terms {
			row += fmt.Sprintf(" %+d %s", t.Coeff, p.varName(t.Var))
		}
		op := "<="
		if c.Op == model.CmpEqual {
			op = "="
		}
		row += fmt.Sprintf(" %s %d \\ %s", op, c.RHS, c.Name)
		if _, err := fmt.Fprintln(w, row); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, "Generals"); err != nil {
		return err
	}
	for _, v := range p.variables {
		if _, err := fmt.Fprintf(w, " %s\n", p.varName(v)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, "End")
	return err
}

type problemJSON struct {
	Variables   []variableJSON   `json:"variables"`
	Constraints []constraintJSON `json:"constraints"`
}

type variableJSON struct {
	Name  string      `json:"name"`
	Level model.Level `json:"level"`
	Cost  int64       `json:"cost,omitempty"`
}

type constraintJSON struct {
	Name  string     `json:"name"`
	Tag   Tag        `json:"tag"`
	Terms []termJSON `json:"terms"`
	Op    string     `json:"op"`
	RHS   int64      `json:"rhs"`
}

type termJSON struct {
	Variable string `json:"variable"`
	Coeff    int64  `json:"coeff"`
}

// MarshalJSON renders the recorded program for tooling consumption.
func (p *Problem) MarshalJSON() ([]byte, error) {
	out := problemJSON{}
	for _, v := range p.variables {
		out.Variables = append(out.Variables, variableJSON{Name: v.Name(), Level: v.Level, Cost: p.costs[v]})
	}
	for _, c := range p.rows {
		cj := constraintJSON{Name: c.Name, Tag: c.Tag, Op: string(c.Op), RHS: c.RHS}
		for _, t := range c.Terms {
			cj.Terms = append(cj.Terms, termJSON{Variable: t.Var.Name(), Coeff: t.Coeff})
		}
		out.Constraints = append(out.Constraints, cj)
	}
	return json.Marshal(out)
}
