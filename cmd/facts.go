package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tanneberger/platin/analytics"
	"github.com/tanneberger/platin/model"
)

var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Lint flow facts against a program model",
	Long: `Check a flow-fact document against the program model without building
constraints: classify each fact's shape and report the problems that would
make the constraint builder drop it.

Examples:
  platin facts --model program.json --facts facts.json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		modelPath, _ := cmd.Flags().GetString("model")
		factsPath, _ := cmd.Flags().GetString("facts")

		if modelPath == "" {
			return fmt.Errorf("--model flag is required")
		}

		analytics.ReportEvent(analytics.FactsCommand)

		prog, err := model.LoadProgram(modelPath)
		if err != nil {
			return err
		}
		if factsPath != "" {
			if err := model.LoadFlowFacts(factsPath, prog); err != nil {
				return err
			}
		}

		markers := collectMarkers(prog)
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Fact", "Level", "Origin", "Shape", "Status"})
		for _, ff := range prog.FlowFacts {
			t.AppendRow(table.Row{ff.Name, string(ff.Level), ff.Origin, factShape(ff), factStatus(ff, markers)})
		}
		t.SetStyle(table.StyleLight)
		t.Render()
		return nil
	},
}

func collectMarkers(prog *model.Program) map[string]int {
	markers := make(map[string]int)
	for _, fn := range prog.BitcodeFunctions {
		for _, blk := range fn.Blocks {
			for _, insn := range blk.Instructions {
				if insn.Marker != "" {
					markers[insn.Marker]++
				}
			}
		}
	}
	return markers
}

func factShape(ff *model.FlowFact) string {
	if _, _, ok := ff.CallTargetRestriction(); ok {
		return "call-target restriction"
	}
	if _, ok := ff.BlockInfeasible(); ok {
		return "block infeasibility"
	}
	return "frequency bound"
}

func factStatus(ff *model.FlowFact, markers map[string]int) string {
	if ff.SymbolicRHS != "" {
		return fmt.Sprintf("symbolic rhs %q", ff.SymbolicRHS)
	}
	if ff.Scope.Context != "" {
		return "context-sensitive scope"
	}
	_, _, isCallTargets := ff.CallTargetRestriction()
	for _, term := range ff.LHS {
		if term.Context != "" {
			return "context-sensitive term"
		}
		if insn, ok := term.Point.(*model.Instruction); ok && !isCallTargets {
			return fmt.Sprintf("instruction-level term %s", insn.QualifiedName())
		}
		if m, ok := term.Point.(model.Marker); ok {
			if ff.Level != model.LevelBitcode {
				return fmt.Sprintf("marker %q outside bitcode", string(m))
			}
			if markers[string(m)] == 0 {
				return fmt.Sprintf("unknown marker %q", string(m))
			}
		}
	}
	return "ok"
}

func init() {
	factsCmd.Flags().String("model", "", "Path to the program-model JSON document")
	factsCmd.Flags().String("facts", "", "Path to an additional flow-fact JSON document")
	rootCmd.AddCommand(factsCmd)
}
