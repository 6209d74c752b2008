package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTarget is wrapped by every target validation failure.
var ErrInvalidTarget = errors.New("invalid analysis target")

// Target is the scenario-specific subject of an analysis. Each scenario kind
// has exactly one concrete variant; the core never inspects it beyond this
// interface.
type Target interface {
	Kind() ScenarioKind
	// DisplayName is the company, industry or entity name. May be empty.
	DisplayName() string
	Validate() error
}

// EarlyStageTarget describes a startup under evaluation.
type EarlyStageTarget struct {
	CompanyName string `json:"company_name"`
	Stage       string `json:"stage,omitempty"`
	Sector      string `json:"sector,omitempty"`
	Website     string `json:"website,omitempty"`
}

func (t *EarlyStageTarget) Kind() ScenarioKind  { return ScenarioEarlyStageInvestment }
func (t *EarlyStageTarget) DisplayName() string { return strings.TrimSpace(t.CompanyName) }

func (t *EarlyStageTarget) Validate() error {
	if t.DisplayName() == "" {
		return fmt.Errorf("%w: company_name is required", ErrInvalidTarget)
	}
	return nil
}

// IndustryTarget describes an industry research subject.
type IndustryTarget struct {
	IndustryName string   `json:"industry_name"`
	Region       string   `json:"region,omitempty"`
	SubSectors   []string `json:"sub_sectors,omitempty"`
}

func (t *IndustryTarget) Kind() ScenarioKind  { return ScenarioIndustryResearch }
func (t *IndustryTarget) DisplayName() string { return strings.TrimSpace(t.IndustryName) }

func (t *IndustryTarget) Validate() error {
	if t.DisplayName() == "" {
		return fmt.Errorf("%w: industry_name is required", ErrInvalidTarget)
	}
	return nil
}

// CompanyTarget describes a listed company for a deep dive.
type CompanyTarget struct {
	CompanyName string `json:"company_name"`
	Ticker      string `json:"ticker,omitempty"`
	Exchange    string `json:"exchange,omitempty"`
}

func (t *CompanyTarget) Kind() ScenarioKind { return ScenarioCompanyDeepDive }

func (t *CompanyTarget) DisplayName() string {
	if name := strings.TrimSpace(t.CompanyName); name != "" {
		return name
	}
	return strings.ToUpper(strings.TrimSpace(t.Ticker))
}

func (t *CompanyTarget) Validate() error {
	if t.DisplayName() == "" {
		return fmt.Errorf("%w: company_name or ticker is required", ErrInvalidTarget)
	}
	return nil
}

// CustomTarget is a free-form subject; the name is optional.
type CustomTarget struct {
	EntityName string `json:"entity_name,omitempty"`
	Brief      string `json:"brief"`
}

func (t *CustomTarget) Kind() ScenarioKind  { return ScenarioCustom }
func (t *CustomTarget) DisplayName() string { return strings.TrimSpace(t.EntityName) }

func (t *CustomTarget) Validate() error {
	if t.DisplayName() == "" && strings.TrimSpace(t.Brief) == "" {
		return fmt.Errorf("%w: entity_name or brief is required", ErrInvalidTarget)
	}
	return nil
}

// DefaultProjectName is used when a target carries no usable name.
const DefaultProjectName = "Untitled Analysis"

// ProjectNameFor derives the project name sent to the analysis service.
func ProjectNameFor(t Target) string {
	if t == nil {
		return DefaultProjectName
	}
	if name := t.DisplayName(); name != "" {
		return name
	}
	return DefaultProjectName
}
