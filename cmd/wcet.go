package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tanneberger/platin/analytics"
	"github.com/tanneberger/platin/ipet"
	"github.com/tanneberger/platin/model"
	"github.com/tanneberger/platin/output"
)

var wcetCmd = &cobra.Command{
	Use:   "wcet",
	Short: "Build the IPET constraint system for a WCET analysis",
	Long: `Build the integer linear program whose objective value upper-bounds the
worst-case execution time of the analysis entry.

Examples:
  # Summary of the constraint system for entry function main
  platin wcet --model program.json --entry main

  # Write the ILP in LP format, with per-edge instruction costs
  platin wcet --model program.json --entry main --timing --format lp --output-file wcet.lp

  # Couple bitcode and machine code through relation graphs
  platin wcet --model program.json --facts facts.json --entry main --bitcode`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		modelPath, _ := cmd.Flags().GetString("model")
		factsPath, _ := cmd.Flags().GetString("facts")
		entry, _ := cmd.Flags().GetString("entry")
		format, _ := cmd.Flags().GetString("format")
		outputFile, _ := cmd.Flags().GetString("output-file")
		timing, _ := cmd.Flags().GetBool("timing")
		bitcode, _ := cmd.Flags().GetBool("bitcode")
		gcfg, _ := cmd.Flags().GetBool("gcfg")
		predicated, _ := cmd.Flags().GetBool("predicated-calls")
		verbose, _ := cmd.Flags().GetBool("verbose")
		debug, _ := cmd.Flags().GetBool("debug")

		if modelPath == "" {
			return fmt.Errorf("--model flag is required")
		}

		analytics.ReportEvent(analytics.WCETCommand)

		prog, err := model.LoadProgram(modelPath)
		if err != nil {
			return err
		}
		if factsPath != "" {
			if err := model.LoadFlowFacts(factsPath, prog); err != nil {
				return err
			}
		}

		verbosity := output.VerbosityDefault
		if verbose {
			verbosity = output.VerbosityVerbose
		}
		if debug {
			verbosity = output.VerbosityDebug
		}
		logger := output.NewLogger(verbosity)

		problem := ipet.NewProblem()
		builder := ipet.NewIPETBuilder(prog, problem, ipet.Options{
			UseBitcode:        bitcode,
			UseGCFG:           gcfg,
			InstructionTiming: timing,
			PredicatedCalls:   predicated,
			Cost:              instructionCountCost,
		}, logger)

		stop := logger.StartTiming("build")
		err = builder.Build(entry)
		stop()
		if err != nil {
			analytics.ReportEvent(analytics.ErrorBuildingConstraints)
			return fmt.Errorf("failed to build constraints: %w", err)
		}
		logger.Statistic("ILP built: %d variables, %d constraints",
			len(problem.Variables()), len(problem.Constraints()))
		logger.PrintTimingSummary()

		w := os.Stdout
		if outputFile != "" {
			file, err := os.Create(outputFile)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer file.Close()
			w = file
		}
		return writeResult(w, output.Format(format), problem, builder)
	},
}

// instructionCountCost is the default cost model for --timing: every edge
// costs the instruction count of its source block.
func instructionCountCost(src, _ *model.Block) int64 {
	return int64(len(src.Instructions))
}

func writeResult(w io.Writer, format output.Format, problem *ipet.Problem, builder *ipet.IPETBuilder) error {
	switch format {
	case output.FormatLP:
		return problem.WriteLP(w)
	case output.FormatJSON:
		data, err := json.MarshalIndent(problem, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case output.FormatSARIF:
		return output.WriteSARIF(w, diagnosticFindings(builder))
	case output.FormatText, "":
		printSummary(w, problem, builder)
		return nil
	}
	return fmt.Errorf("unsupported output format %q", format)
}

func diagnosticFindings(builder *ipet.IPETBuilder) []output.Finding {
	var findings []output.Finding
	for _, d := range builder.Diagnostics() {
		findings = append(findings, output.Finding{RuleID: d.Rule, Message: d.Message})
	}
	return findings
}

func printSummary(w io.Writer, problem *ipet.Problem, builder *ipet.IPETBuilder) {
	counts := make(map[ipet.Tag]int)
	for _, c := range problem.Constraints() {
		counts[c.Tag]++
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Category", "Constraints"})
	for _, tag := range []ipet.Tag{ipet.TagStructural, ipet.TagInstr, ipet.TagCallSite, ipet.TagInfeasible, ipet.TagFlowFact} {
		if counts[tag] > 0 {
			t.AppendRow(table.Row{string(tag), counts[tag]})
		}
	}
	t.SetStyle(table.StyleLight)
	t.Render()

	green := color.New(color.FgGreen).SprintfFunc()
	yellow := color.New(color.FgYellow).SprintfFunc()
	fmt.Fprintln(w, green("%d variables, %d constraints, %d call edges",
		len(problem.Variables()), len(problem.Constraints()), len(builder.CallEdges())))
	if n := len(builder.Diagnostics()); n > 0 {
		fmt.Fprintln(w, yellow("%d diagnostics (run with --format sarif for details)", n))
	}
}

func init() {
	wcetCmd.Flags().String("model", "", "Path to the program-model JSON document")
	wcetCmd.Flags().String("facts", "", "Path to an additional flow-fact JSON document")
	wcetCmd.Flags().String("entry", "main", "Analysis entry function")
	wcetCmd.Flags().String("format", "text", "Output format: text, json, lp or sarif")
	wcetCmd.Flags().String("output-file", "", "Output file path (default stdout)")
	wcetCmd.Flags().Bool("timing", false, "Attach per-edge instruction costs to the objective")
	wcetCmd.Flags().Bool("bitcode", false, "Couple bitcode CFGs through relation graphs")
	wcetCmd.Flags().Bool("gcfg", false, "Traverse the global control-flow graph of atomic basic blocks")
	wcetCmd.Flags().Bool("predicated-calls", false, "Bound call edges by an inequality for predicated-call platforms")
	wcetCmd.Flags().Bool("verbose", false, "Show build progress and statistics")
	wcetCmd.Flags().Bool("debug", false, "Show per-constraint diagnostics")
	rootCmd.AddCommand(wcetCmd)
}
