// Package catalog provides the fixed table of selectable analysis scenarios.
package catalog

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ashureev/insight-wizard/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed scenarios.yaml
var defaultScenarios []byte

// ErrUnknownScenario is returned when a scenario id is not in the catalog.
var ErrUnknownScenario = errors.New("unknown scenario")

type catalogFile struct {
	Scenarios []domain.Scenario `yaml:"scenarios"`
}

// Catalog is an immutable, ordered scenario lookup table.
type Catalog struct {
	ordered []domain.Scenario
	byID    map[string]domain.Scenario
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultScenarios)
}

// Load reads a catalog from a YAML file. An empty path yields the default catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(file.Scenarios) == 0 {
		return nil, fmt.Errorf("parse catalog: no scenarios defined")
	}

	c := &Catalog{byID: make(map[string]domain.Scenario, len(file.Scenarios))}
	for _, s := range file.Scenarios {
		if s.ID == "" {
			return nil, fmt.Errorf("parse catalog: scenario without id")
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("parse catalog: duplicate scenario %q", s.ID)
		}
		if !knownKind(s.Kind) {
			return nil, fmt.Errorf("parse catalog: scenario %q has unknown kind %q", s.ID, s.Kind)
		}
		c.byID[s.ID] = s
		c.ordered = append(c.ordered, s)
	}
	return c, nil
}

// All returns the scenarios in catalog order.
func (c *Catalog) All() []domain.Scenario {
	out := make([]domain.Scenario, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Lookup returns the scenario with the given id.
func (c *Catalog) Lookup(id string) (domain.Scenario, error) {
	s, ok := c.byID[id]
	if !ok {
		return domain.Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}
	return s, nil
}

func knownKind(k domain.ScenarioKind) bool {
	switch k {
	case domain.ScenarioEarlyStageInvestment, domain.ScenarioIndustryResearch,
		domain.ScenarioCompanyDeepDive, domain.ScenarioCustom:
		return true
	}
	return false
}

// NewTarget returns an empty target variant for the scenario kind.
func NewTarget(kind domain.ScenarioKind) (domain.Target, error) {
	switch kind {
	case domain.ScenarioEarlyStageInvestment:
		return &domain.EarlyStageTarget{}, nil
	case domain.ScenarioIndustryResearch:
		return &domain.IndustryTarget{}, nil
	case domain.ScenarioCompanyDeepDive:
		return &domain.CompanyTarget{}, nil
	case domain.ScenarioCustom:
		return &domain.CustomTarget{}, nil
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownScenario, kind)
	}
}

// DecodeTarget decodes a raw JSON target into the variant for kind.
func DecodeTarget(kind domain.ScenarioKind, raw json.RawMessage) (domain.Target, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: target is required", domain.ErrInvalidTarget)
	}
	target, err := NewTarget(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: decode %s target: %v", domain.ErrInvalidTarget, kind, err)
	}
	return target, nil
}
