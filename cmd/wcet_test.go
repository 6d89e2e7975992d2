package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanneberger/platin/ipet"
	"github.com/tanneberger/platin/model"
	"github.com/tanneberger/platin/output"
)

const testProgram = `{
  "machine-functions": [
    {
      "name": "main",
      "blocks": [
        {"name": "b0", "successors": ["b1"], "instructions": [{"opcode": "mov"}]},
        {"name": "b1", "may-return": true, "instructions": [{"opcode": "bx"}]}
      ]
    }
  ],
  "flowfacts": [
    {
      "name": "entrybound",
      "scope": {"function": "main"},
      "lhs": [{"factor": 1, "block": "main::b1"}],
      "op": "less-equal",
      "rhs": 1
    }
  ]
}`

func writeTestModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "program.json")
	require.NoError(t, os.WriteFile(path, []byte(testProgram), 0o644))
	return path
}

func buildTestProblem(t *testing.T) (*ipet.Problem, *ipet.IPETBuilder) {
	t.Helper()
	prog, err := model.ParseProgram([]byte(testProgram))
	require.NoError(t, err)
	problem := ipet.NewProblem()
	builder := ipet.NewIPETBuilder(prog, problem, ipet.Options{}, output.NewQuietLogger())
	require.NoError(t, builder.Build("main"))
	return problem, builder
}

func TestWCETCommand_WritesLPFile(t *testing.T) {
	modelPath := writeTestModel(t)
	outPath := filepath.Join(t.TempDir(), "wcet.lp")

	rootCmd.SetArgs([]string{"wcet",
		"--model", modelPath,
		"--entry", "main",
		"--format", "lp",
		"--output-file", outPath,
		"--timing",
		"--disable-metrics"})
	require.NoError(t, rootCmd.Execute())

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	lp := string(data)
	assert.Contains(t, lp, "Maximize")
	assert.Contains(t, lp, "Subject To")
	assert.Contains(t, lp, "machinecode:main::b0->main::b1")
}

func TestWCETCommand_RequiresModelFlag(t *testing.T) {
	rootCmd.SetArgs([]string{"wcet", "--model", "", "--disable-metrics"})
	assert.Error(t, rootCmd.Execute())
}

func TestWriteResult_JSON(t *testing.T) {
	problem, builder := buildTestProblem(t)
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, output.FormatJSON, problem, builder))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.NotEmpty(t, decoded["variables"])
	assert.NotEmpty(t, decoded["constraints"])
}

func TestWriteResult_TextSummary(t *testing.T) {
	problem, builder := buildTestProblem(t)
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, output.FormatText, problem, builder))
	out := buf.String()
	assert.Contains(t, out, "structural")
	assert.Contains(t, out, "variables")
}

func TestWriteResult_UnsupportedFormat(t *testing.T) {
	problem, builder := buildTestProblem(t)
	assert.Error(t, writeResult(&bytes.Buffer{}, output.Format("xml"), problem, builder))
}

func TestInstructionCountCost(t *testing.T) {
	prog, err := model.ParseProgram([]byte(testProgram))
	require.NoError(t, err)
	b0 := prog.MachineFunction("main").Blocks[0]
	assert.Equal(t, int64(1), instructionCountCost(b0, nil))
}

func TestFactsCommand_Lints(t *testing.T) {
	modelPath := writeTestModel(t)
	rootCmd.SetArgs([]string{"facts", "--model", modelPath, "--disable-metrics"})
	require.NoError(t, rootCmd.Execute())
}

func TestFactShapeClassification(t *testing.T) {
	prog, err := model.ParseProgram([]byte(testProgram))
	require.NoError(t, err)
	ff := prog.FlowFacts[0]
	assert.Equal(t, "frequency bound", factShape(ff))
	assert.Equal(t, "ok", factStatus(ff, map[string]int{}))

	ff.SymbolicRHS = "n"
	assert.Contains(t, factStatus(ff, map[string]int{}), "symbolic")
}
