package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProgram = `{
  "machine-functions": [
    {
      "name": "main",
      "address": 4096,
      "loops": ["h"],
      "blocks": [
        {"name": "b0", "successors": ["h"],
         "instructions": [{"opcode": "mov"}, {"opcode": "bl", "callees": ["helper"]}]},
        {"name": "h", "successors": ["body", "done"], "loops": ["h"]},
        {"name": "body", "successors": ["h"], "loops": ["h"]},
        {"name": "done", "may-return": true}
      ]
    },
    {
      "name": "helper",
      "blocks": [{"name": "entry", "may-return": true}]
    }
  ],
  "bitcode-functions": [
    {
      "name": "main",
      "blocks": [
        {"name": "p", "successors": ["q"],
         "instructions": [{"opcode": "store", "marker": "m1"}]},
        {"name": "q", "may-return": true}
      ]
    }
  ],
  "relation-graphs": [
    {
      "name": "main", "src": "main", "dst": "main", "status": "valid",
      "nodes": [
        {"name": "0", "type": "entry", "src-block": "p", "dst-block": "b0",
         "src-successors": ["1"], "dst-successors": ["1"]},
        {"name": "1", "type": "progress", "src-block": "q", "dst-block": "done",
         "src-successors": ["2"], "dst-successors": ["2"]},
        {"name": "2", "type": "exit"}
      ]
    }
  ],
  "flowfacts": [
    {
      "name": "loopbound",
      "level": "machinecode",
      "origin": "user",
      "scope": {"loop": "main::h"},
      "lhs": [{"factor": 1, "block": "main::h"}],
      "op": "less-equal",
      "rhs": "4*16"
    },
    {
      "name": "markerbound",
      "level": "bitcode",
      "scope": {"function": "main"},
      "lhs": [{"factor": 2, "marker": "m1"}],
      "op": "less-equal",
      "rhs": 8
    }
  ]
}`

func TestParseProgram_ResolvesStructure(t *testing.T) {
	prog, err := ParseProgram([]byte(sampleProgram))
	require.NoError(t, err)

	main := prog.MachineFunction("main")
	require.NotNil(t, main)
	assert.Equal(t, uint64(4096), main.Address)
	assert.Equal(t, LevelMachine, main.Level)
	require.Len(t, main.Blocks, 4)

	// Predecessors are derived from successor lists.
	h := main.Blocks[1]
	assert.Equal(t, []*Block{main.Blocks[0], main.Blocks[2]}, h.Predecessors)

	// body→h closes the loop headed by h; b0→h does not.
	assert.True(t, h.IsBackEdge(main.Blocks[2]))
	assert.False(t, h.IsBackEdge(main.Blocks[0]))
	assert.Equal(t, 1, h.LoopDepth())
	assert.Equal(t, 0, main.Blocks[3].LoopDepth())

	// Callee references resolve across functions.
	site := main.Blocks[0].Instructions[1]
	assert.True(t, site.IsCall)
	require.Len(t, site.Callees, 1)
	assert.Equal(t, "helper", site.Callees[0].Name)
	assert.Equal(t, []*Instruction{site}, main.Blocks[0].CallSites())

	// Relation graph endpoints and blocks resolve.
	rg := prog.RelationGraphFor(main)
	require.NotNil(t, rg)
	assert.Equal(t, prog.BitcodeFunction("main"), rg.Src)
	assert.Equal(t, RelationEntry, rg.Entry().Type)
	assert.Equal(t, "p", rg.Entry().SrcBlock.Name)
	assert.Equal(t, rg.Nodes[1], rg.Entry().Successors(SideSrc)[0])
}

func TestParseProgram_EvaluatesRHSExpressions(t *testing.T) {
	prog, err := ParseProgram([]byte(sampleProgram))
	require.NoError(t, err)

	require.Len(t, prog.FlowFacts, 2)
	loopbound := prog.FlowFacts[0]
	assert.Equal(t, int64(64), loopbound.RHS, `"4*16" must evaluate to a constant`)
	assert.Empty(t, loopbound.SymbolicRHS)
	loop, ok := loopbound.Scope.Point.(*Loop)
	require.True(t, ok)
	assert.Equal(t, "h", loop.Header.Name)

	markerbound := prog.FlowFacts[1]
	assert.Equal(t, LevelBitcode, markerbound.Level)
	assert.Equal(t, Marker("m1"), markerbound.LHS[0].Point)
	assert.Equal(t, int64(2), markerbound.LHS[0].Factor)
}

func TestParseProgram_KeepsSymbolicRHS(t *testing.T) {
	doc := `{
	  "machine-functions": [{"name": "main", "blocks": [{"name": "b0", "may-return": true}]}],
	  "flowfacts": [{
	    "name": "sym",
	    "scope": {"function": "main"},
	    "lhs": [{"factor": 1, "block": "main::b0"}],
	    "op": "less-equal",
	    "rhs": "n * 2"
	  }]
	}`
	prog, err := ParseProgram([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "n * 2", prog.FlowFacts[0].SymbolicRHS)
}

func TestParseProgram_RejectsDanglingReferences(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown successor",
			doc:  `{"machine-functions": [{"name": "f", "blocks": [{"name": "b0", "successors": ["nope"]}]}]}`,
			want: "unknown successor",
		},
		{
			name: "unknown callee",
			doc:  `{"machine-functions": [{"name": "f", "blocks": [{"name": "b0", "instructions": [{"callees": ["nope"]}]}]}]}`,
			want: "unknown callee",
		},
		{
			name: "unknown scope function",
			doc:  `{"machine-functions": [{"name": "f", "blocks": [{"name": "b0"}]}], "flowfacts": [{"scope": {"function": "nope"}, "op": "equal"}]}`,
			want: "unknown scope function",
		},
		{
			name: "scope without program point",
			doc:  `{"machine-functions": [{"name": "f", "blocks": [{"name": "b0"}]}], "flowfacts": [{"scope": {}, "op": "equal"}]}`,
			want: "scope must name",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseProgram([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadFlowFacts_AppendsToProgram(t *testing.T) {
	prog, err := ParseProgram([]byte(sampleProgram))
	require.NoError(t, err)

	factsDoc := `{
	  "flowfacts": [{
	    "scope": {"function": "main"},
	    "lhs": [{"factor": 1, "block": "main::done"}],
	    "op": "equal",
	    "rhs": 1
	  }]
	}`
	path := filepath.Join(t.TempDir(), "facts.json")
	require.NoError(t, os.WriteFile(path, []byte(factsDoc), 0o644))
	require.NoError(t, LoadFlowFacts(path, prog))

	require.Len(t, prog.FlowFacts, 3)
	added := prog.FlowFacts[2]
	assert.Equal(t, "ff2", added.Name, "unnamed facts are numbered by position")
	assert.Equal(t, LevelMachine, added.Level, "level defaults to machinecode")
}

func TestParseProgram_DataOnlyBlocks(t *testing.T) {
	doc := `{
	  "machine-functions": [{
	    "name": "f",
	    "blocks": [
	      {"name": "b0", "successors": ["b1"]},
	      {"name": "b1", "may-return": true},
	      {"name": "lit"}
	    ]
	  }]
	}`
	prog, err := ParseProgram([]byte(doc))
	require.NoError(t, err)
	f := prog.MachineFunction("f")
	assert.False(t, f.Blocks[0].IsDataOnly(), "the entry block is never data-only")
	assert.False(t, f.Blocks[1].IsDataOnly())
	assert.True(t, f.Blocks[2].IsDataOnly())
}
