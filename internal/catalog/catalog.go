package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yml
var defaultCatalogYAML []byte

type Goal struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

type Cohort struct {
	ID   string   `yaml:"id" json:"id"`
	Name string   `yaml:"name" json:"name"`
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Stage is one funnel stage. Stages are totally ordered by their position in
// the catalog list.
type Stage struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

type Timeframe struct {
	Days  int    `yaml:"days" json:"days"`
	Label string `yaml:"label" json:"label"`
}

type Intensity struct {
	ID             string  `yaml:"id" json:"id"`
	Name           string  `yaml:"name" json:"name"`
	Multiplier     float64 `yaml:"multiplier" json:"multiplier"`
	ActionsPerWeek int     `yaml:"actions_per_week" json:"actions_per_week"`
}

// Archetype is a reusable maneuver template. BehaviorRole places it in the
// motivation/ability/trigger framing.
type Archetype struct {
	ID              string   `yaml:"id" json:"id"`
	Name            string   `yaml:"name" json:"name"`
	Posture         string   `yaml:"posture" json:"posture"`
	BehaviorRole    string   `yaml:"behavior_role" json:"behavior_role" enum:"motivation,ability,trigger"`
	Goals           []string `yaml:"goals" json:"goals"`
	Intensities     []string `yaml:"intensities" json:"intensities"`
	IdealCohortTags []string `yaml:"ideal_cohort_tags,omitempty" json:"ideal_cohort_tags,omitempty"`
	BaseImpact      int      `yaml:"base_impact" json:"base_impact"`
	PromiseTemplate string   `yaml:"promise_template" json:"promise_template"`
	ActionTemplates []string `yaml:"action_templates" json:"action_templates"`
	Constraints     []string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// Catalog is the versioned, read-only reference data set.
type Catalog struct {
	Version     int         `yaml:"version" json:"version"`
	Goals       []Goal      `yaml:"goals" json:"goals"`
	Cohorts     []Cohort    `yaml:"cohorts" json:"cohorts"`
	Stages      []Stage     `yaml:"stages" json:"stages"`
	Timeframes  []Timeframe `yaml:"timeframes" json:"timeframes"`
	Intensities []Intensity `yaml:"intensities" json:"intensities"`
	Archetypes  []Archetype `yaml:"archetypes" json:"archetypes"`
}

// Default returns the embedded catalog. The embedded data is validated by
// tests, so a parse failure here is a build defect.
func Default() *Catalog {
	c, err := FromYAML(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog invalid: %v", err))
	}
	return c
}

// FromYAML parses and validates a catalog from raw YAML bytes.
func FromYAML(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid catalog yaml: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// FromFile reads a catalog override from the given path.
func FromFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the catalog is internally consistent: non-empty lists,
// unique ids, and archetype references that resolve.
func (c *Catalog) Validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("catalog.version is required")
	}
	if len(c.Goals) == 0 || len(c.Stages) < 2 || len(c.Intensities) == 0 || len(c.Timeframes) == 0 {
		return fmt.Errorf("catalog requires goals, at least two stages, timeframes and intensities")
	}
	goals := map[string]bool{}
	for _, g := range c.Goals {
		if g.ID == "" {
			return fmt.Errorf("catalog goal with empty id")
		}
		if goals[g.ID] {
			return fmt.Errorf("duplicate goal %s", g.ID)
		}
		goals[g.ID] = true
	}
	stages := map[string]bool{}
	for _, s := range c.Stages {
		if s.ID == "" {
			return fmt.Errorf("catalog stage with empty id")
		}
		if stages[s.ID] {
			return fmt.Errorf("duplicate stage %s", s.ID)
		}
		stages[s.ID] = true
	}
	intensities := map[string]bool{}
	for _, i := range c.Intensities {
		if i.ID == "" {
			return fmt.Errorf("catalog intensity with empty id")
		}
		if intensities[i.ID] {
			return fmt.Errorf("duplicate intensity %s", i.ID)
		}
		if i.Multiplier <= 0 || i.ActionsPerWeek <= 0 {
			return fmt.Errorf("intensity %s needs a positive multiplier and cadence", i.ID)
		}
		intensities[i.ID] = true
	}
	for _, t := range c.Timeframes {
		if t.Days <= 0 {
			return fmt.Errorf("timeframe with non-positive days")
		}
	}
	cohorts := map[string]bool{}
	for _, co := range c.Cohorts {
		if co.ID == "" {
			return fmt.Errorf("catalog cohort with empty id")
		}
		if cohorts[co.ID] {
			return fmt.Errorf("duplicate cohort %s", co.ID)
		}
		cohorts[co.ID] = true
	}
	for _, a := range c.Archetypes {
		if a.ID == "" {
			return fmt.Errorf("catalog archetype with empty id")
		}
		if a.BaseImpact < 1 || a.BaseImpact > 5 {
			return fmt.Errorf("archetype %s base_impact must be 1..5", a.ID)
		}
		if len(a.Goals) == 0 {
			return fmt.Errorf("archetype %s has no compatible goals", a.ID)
		}
		for _, g := range a.Goals {
			if !goals[g] {
				return fmt.Errorf("archetype %s references unknown goal %s", a.ID, g)
			}
		}
		for _, i := range a.Intensities {
			if !intensities[i] {
				return fmt.Errorf("archetype %s references unknown intensity %s", a.ID, i)
			}
		}
		if len(a.ActionTemplates) == 0 {
			return fmt.Errorf("archetype %s has no action templates", a.ID)
		}
	}
	return nil
}

// StageIndex returns the ordinal position of a stage in funnel order.
func (c *Catalog) StageIndex(id string) (int, bool) {
	for i, s := range c.Stages {
		if s.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (c *Catalog) GoalByID(id string) (Goal, bool) {
	for _, g := range c.Goals {
		if g.ID == id {
			return g, true
		}
	}
	return Goal{}, false
}

func (c *Catalog) CohortByID(id string) (Cohort, bool) {
	for _, co := range c.Cohorts {
		if co.ID == id {
			return co, true
		}
	}
	return Cohort{}, false
}

func (c *Catalog) IntensityByID(id string) (Intensity, bool) {
	for _, i := range c.Intensities {
		if i.ID == id {
			return i, true
		}
	}
	return Intensity{}, false
}

func (c *Catalog) ArchetypeByID(id string) (Archetype, bool) {
	for _, a := range c.Archetypes {
		if a.ID == id {
			return a, true
		}
	}
	return Archetype{}, false
}

// TimeframeAllowed reports whether days is one of the enumerated timeframes.
func (c *Catalog) TimeframeAllowed(days int) bool {
	for _, t := range c.Timeframes {
		if t.Days == days {
			return true
		}
	}
	return false
}

func (a Archetype) SupportsGoal(goal string) bool {
	for _, g := range a.Goals {
		if g == goal {
			return true
		}
	}
	return false
}

func (a Archetype) SupportsIntensity(id string) bool {
	if len(a.Intensities) == 0 {
		return true
	}
	for _, i := range a.Intensities {
		if i == id {
			return true
		}
	}
	return false
}
