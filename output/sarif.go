package output

import (
	"io"

	"github.com/owenrumney/go-sarif/v2/sarif"
)

// Finding is one analysis diagnostic destined for a SARIF report: a dropped
// flow fact, an unknown marker or a skipped constraint.
type Finding struct {
	RuleID  string
	Message string
}

// SARIF rule identifiers emitted by the constraint builder.
const (
	RuleDroppedFact       = "dropped-flowfact"
	RuleUnknownMarker     = "unknown-marker"
	RuleSkippedConstraint = "skipped-constraint"
)

var ruleDescriptions = map[string]string{
	RuleDroppedFact:       "A flow fact was skipped because its shape or level is not supported by the analysis.",
	RuleUnknownMarker:     "A bitcode flow fact references a marker that resolves to no instruction.",
	RuleSkippedConstraint: "A lowered flow fact referenced unreachable code and was dropped.",
}

// WriteSARIF renders the findings as a SARIF 2.1.0 report.
func WriteSARIF(w io.Writer, findings []Finding) error {
	report, err := sarif.New(sarif.Version210)
	if err != nil {
		return err
	}
	run := sarif.NewRunWithInformationURI("platin", "https://github.com/tanneberger/platin")
	registered := make(map[string]bool)
	for _, f := range findings {
		if !registered[f.RuleID] {
			rule := run.AddRule(f.RuleID)
			if desc, ok := ruleDescriptions[f.RuleID]; ok {
				rule.WithDescription(desc)
			}
			registered[f.RuleID] = true
		}
		run.CreateResultForRule(f.RuleID).
			WithLevel("warning").
			WithMessage(sarif.NewTextMessage(f.Message))
	}
	report.AddRun(run)
	return report.PrettyWrite(w)
}
