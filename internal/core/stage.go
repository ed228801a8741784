package core

import "fmt"

// Stage represents one named phase in the fixed discovery pipeline.
type Stage string

const (
	// StageExploration is the first stage. Agents explore the input
	// snapshot and surface raw observations.
	StageExploration Stage = "exploration"

	// StageOpportunity frames the exploration output into candidate
	// opportunities.
	StageOpportunity Stage = "opportunity"

	// StageValidation checks each opportunity against available evidence.
	StageValidation Stage = "validation"

	// StageFeasibility assesses feasibility and risk of validated
	// opportunities.
	StageFeasibility Stage = "feasibility"

	// StagePrioritization ranks the surviving opportunities.
	StagePrioritization Stage = "prioritization"

	// StageReview is the final human-review stage. Completing it
	// completes the run.
	StageReview Stage = "review"
)

// stageOrder is the pipeline's static stage-transition table.
// The scheduler consults it instead of scattering order knowledge
// through conditionals.
var stageOrder = []Stage{
	StageExploration,
	StageOpportunity,
	StageValidation,
	StageFeasibility,
	StagePrioritization,
	StageReview,
}

// AllStages returns all stages in execution order.
func AllStages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// FirstStage returns the pipeline's entry stage.
func FirstStage() Stage {
	return stageOrder[0]
}

// FinalStage returns the pipeline's terminal stage.
func FinalStage() Stage {
	return stageOrder[len(stageOrder)-1]
}

// StageOrder returns the numeric order of a stage (0-indexed),
// or -1 for an unknown stage.
func StageOrder(s Stage) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// NextStage returns the stage following the given stage.
// Returns empty string if the stage is the last or unknown.
func NextStage(s Stage) Stage {
	i := StageOrder(s)
	if i < 0 || i == len(stageOrder)-1 {
		return ""
	}
	return stageOrder[i+1]
}

// PrevStage returns the stage preceding the given stage.
// Returns empty string if the stage is the first or unknown.
func PrevStage(s Stage) Stage {
	i := StageOrder(s)
	if i <= 0 {
		return ""
	}
	return stageOrder[i-1]
}

// ValidStage checks if a stage value is part of the pipeline.
func ValidStage(s Stage) bool {
	return StageOrder(s) >= 0
}

// ParseStage converts a string to a Stage with validation.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !ValidStage(st) {
		return "", fmt.Errorf("invalid stage: %s", s)
	}
	return st, nil
}

// CanSendBack reports whether a stage may send the run back to the
// given target. Send-backs only route to strictly earlier stages.
func CanSendBack(from, to Stage) bool {
	fi, ti := StageOrder(from), StageOrder(to)
	return fi > 0 && ti >= 0 && ti < fi
}

// String returns the string representation of the stage.
func (s Stage) String() string {
	return string(s)
}

// Description returns a human-readable description of the stage.
func (s Stage) Description() string {
	switch s {
	case StageExploration:
		return "Explore the input snapshot and surface observations"
	case StageOpportunity:
		return "Frame observations into candidate opportunities"
	case StageValidation:
		return "Validate opportunities against evidence"
	case StageFeasibility:
		return "Assess feasibility and risk"
	case StagePrioritization:
		return "Rank surviving opportunities"
	case StageReview:
		return "Human review of the prioritized output"
	default:
		return "Unknown stage"
	}
}
