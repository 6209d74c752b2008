// Package domain contains core domain types for the analysis wizard.
package domain

import "fmt"

// WizardStep is one of the three ordered phases of the analysis wizard.
type WizardStep int

const (
	// StepScenarioSelection is the initial step where a scenario is picked.
	StepScenarioSelection WizardStep = iota
	// StepConfiguration collects the target and analysis options.
	StepConfiguration
	// StepInProgress shows a running analysis session.
	StepInProgress
)

// Valid reports whether s is one of the defined steps.
func (s WizardStep) Valid() bool {
	return s >= StepScenarioSelection && s <= StepInProgress
}

func (s WizardStep) String() string {
	switch s {
	case StepScenarioSelection:
		return "scenario_selection"
	case StepConfiguration:
		return "configuration"
	case StepInProgress:
		return "in_progress"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// ScenarioKind discriminates the target variant a scenario expects.
type ScenarioKind string

const (
	ScenarioEarlyStageInvestment ScenarioKind = "early_stage_investment"
	ScenarioIndustryResearch     ScenarioKind = "industry_research"
	ScenarioCompanyDeepDive      ScenarioKind = "company_deep_dive"
	ScenarioCustom               ScenarioKind = "custom"
)

// Scenario is a selectable analysis category from the catalog.
type Scenario struct {
	ID          string       `json:"id" yaml:"id"`
	Kind        ScenarioKind `json:"kind" yaml:"kind"`
	Title       string       `json:"title" yaml:"title"`
	Description string       `json:"description" yaml:"description"`
	Icon        string       `json:"icon,omitempty" yaml:"icon"`
}
