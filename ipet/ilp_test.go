package ipet

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanneberger/platin/model"
)

func TestEdgeID_Identity(t *testing.T) {
	// Two EdgeIDs collide exactly when they name the same flow variable.
	fn := makeFunction("f", model.LevelMachine, nil,
		blockSpec{name: "b0", succs: []string{"b1"}},
		blockSpec{name: "b1", mayReturn: true},
	)
	a := BlockEdge(model.LevelMachine, fn.Blocks[0], fn.Blocks[1])
	b := BlockEdge(model.LevelMachine, fn.Blocks[0], fn.Blocks[1])
	assert.Equal(t, a, b)

	c := BlockEdge(model.LevelBitcode, fn.Blocks[0], fn.Blocks[1])
	assert.NotEqual(t, a, c, "same blocks at different levels are distinct variables")

	exit := ExitEdge(model.LevelMachine, fn.Blocks[0])
	assert.NotEqual(t, a, exit)
	assert.Equal(t, "machinecode:f::b0->f::b1", a.Name())
	assert.Equal(t, "machinecode:f::b0->__exit__", exit.Name())
}

func TestProblem_RecordsVariablesAndConstraints(t *testing.T) {
	fn := makeFunction("f", model.LevelMachine, nil,
		blockSpec{name: "b0", succs: []string{"b1"}},
		blockSpec{name: "b1", mayReturn: true},
	)
	e := BlockEdge(model.LevelMachine, fn.Blocks[0], fn.Blocks[1])
	exit := ExitEdge(model.LevelMachine, fn.Blocks[1])

	p := NewProblem()
	p.AddVariable(e)
	p.AddVariable(e) // idempotent
	p.AddVariable(exit)
	assert.Len(t, p.Variables(), 2)
	assert.True(t, p.HasVariable(e))

	require.NoError(t, p.AddConstraint(
		[]LinearTerm{{Var: e, Coeff: 1}, {Var: exit, Coeff: -1}},
		model.CmpEqual, 0, "balance", TagStructural))
	require.Len(t, p.Constraints(), 1)
	assert.Equal(t, TagStructural, p.Constraints()[0].Tag)

	p.AddCost(e, 3)
	p.AddCost(e, 2)
	assert.Equal(t, int64(5), p.Cost(e))
}

func TestProblem_MissingVariable(t *testing.T) {
	fn := makeFunction("f", model.LevelMachine, nil,
		blockSpec{name: "b0", succs: []string{"b1"}},
		blockSpec{name: "b1", mayReturn: true},
	)
	e := BlockEdge(model.LevelMachine, fn.Blocks[0], fn.Blocks[1])

	p := NewProblem()
	err := p.AddConstraint([]LinearTerm{{Var: e, Coeff: 1}}, model.CmpEqual, 0, "c", TagFlowFact)
	assert.ErrorIs(t, err, ErrMissingVariable)
	assert.Empty(t, p.Constraints(), "failed constraints must not be recorded")
}

func TestProblem_WriteLP(t *testing.T) {
	fn := makeFunction("f", model.LevelMachine, nil,
		blockSpec{name: "b0", succs: []string{"b1"}},
		blockSpec{name: "b1", mayReturn: true},
	)
	e := BlockEdge(model.LevelMachine, fn.Blocks[0], fn.Blocks[1])
	exit := ExitEdge(model.LevelMachine, fn.Blocks[1])

	p := NewProblem()
	p.AddVariable(e)
	p.AddVariable(exit)
	p.AddCost(e, 4)
	require.NoError(t, p.AddConstraint(
		[]LinearTerm{{Var: e, Coeff: 1}, {Var: exit, Coeff: -1}},
		model.CmpEqual, 0, "balance", TagStructural))
	require.NoError(t, p.AddConstraint(
		[]LinearTerm{{Var: e, Coeff: 1}},
		model.CmpLessEqual, 10, "bound", TagFlowFact))

	var buf bytes.Buffer
	require.NoError(t, p.WriteLP(&buf))
	lp := buf.String()
	assert.Contains(t, lp, "Maximize")
	assert.Contains(t, lp, "+4 x0")
	assert.Contains(t, lp, "c0: +1 x0 -1 x1 = 0")
	assert.Contains(t, lp, "c1: +1 x0 <= 10")
	assert.Contains(t, lp, "Generals")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lp), "End"))
}

func TestProblem_MarshalJSON(t *testing.T) {
	fn := makeFunction("f", model.LevelMachine, nil,
		blockSpec{name: "b0", mayReturn: true},
	)
	exit := ExitEdge(model.LevelMachine, fn.Blocks[0])

	p := NewProblem()
	p.AddVariable(exit)
	require.NoError(t, p.AddConstraint(
		[]LinearTerm{{Var: exit, Coeff: 1}}, model.CmpEqual, 1, "entry_f", TagStructural))

	data, err := json.Marshal(p)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Len(t, decoded["variables"], 1)
	assert.Len(t, decoded["constraints"], 1)
}
