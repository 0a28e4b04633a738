// Package recommend turns a strategic intent into a short ranked list of
// concrete move proposals drawn from the archetype catalog. Generation is
// pure and deterministic: the same catalog and intent always yield the same
// proposals in the same order.
package recommend

import (
	"fmt"
	"sort"
	"strings"

	"moveline/internal/catalog"
	"moveline/internal/domain"
)

// Intent is what the operator wants to happen, before any archetype is chosen.
type Intent struct {
	PrimaryGoal    string   `json:"primary_goal"`
	SecondaryGoals []string `json:"secondary_goals,omitempty"`
	CohortID       string   `json:"cohort_id"`
	StageFrom      string   `json:"stage_from"`
	StageTo        string   `json:"stage_to"`
	TimeframeDays  int      `json:"timeframe_days"`
	Intensity      string   `json:"intensity" enum:"light,standard,aggressive"`
}

const (
	BandLow    = "low"
	BandMedium = "medium"
	BandHigh   = "high"
)

// maxActions caps how many act tasks a single proposal can carry.
const maxActions = 12

type Recommendation struct {
	ArchetypeID string   `json:"archetype_id"`
	Name        string   `json:"name"`
	Promise     string   `json:"promise"`
	Actions     []string `json:"actions"`
	ImpactScore float64  `json:"impact_score"`
	ImpactBand  string   `json:"impact_band" enum:"low,medium,high"`
	Constraints []string `json:"constraints,omitempty"`
	Intent      Intent   `json:"intent"`
}

// Validate checks the intent against the catalog.
func (in Intent) Validate(cat *catalog.Catalog) error {
	if _, ok := cat.GoalByID(in.PrimaryGoal); !ok {
		return domain.ValidationError{Field: "primary_goal", Reason: fmt.Sprintf("unknown goal %q", in.PrimaryGoal)}
	}
	for _, g := range in.SecondaryGoals {
		if _, ok := cat.GoalByID(g); !ok {
			return domain.ValidationError{Field: "secondary_goals", Reason: fmt.Sprintf("unknown goal %q", g)}
		}
		if g == in.PrimaryGoal {
			return domain.ValidationError{Field: "secondary_goals", Reason: "must not include the primary goal"}
		}
	}
	if _, ok := cat.CohortByID(in.CohortID); !ok {
		return domain.ValidationError{Field: "cohort_id", Reason: fmt.Sprintf("unknown cohort %q", in.CohortID)}
	}
	from, ok := cat.StageIndex(in.StageFrom)
	if !ok {
		return domain.ValidationError{Field: "stage_from", Reason: fmt.Sprintf("unknown stage %q", in.StageFrom)}
	}
	to, ok := cat.StageIndex(in.StageTo)
	if !ok {
		return domain.ValidationError{Field: "stage_to", Reason: fmt.Sprintf("unknown stage %q", in.StageTo)}
	}
	if to <= from {
		return domain.ValidationError{Field: "stage_to", Reason: "must be further down the funnel than stage_from"}
	}
	if !cat.TimeframeAllowed(in.TimeframeDays) {
		return domain.ValidationError{Field: "timeframe_days", Reason: fmt.Sprintf("%d is not an allowed timeframe", in.TimeframeDays)}
	}
	if _, ok := cat.IntensityByID(in.Intensity); !ok {
		return domain.ValidationError{Field: "intensity", Reason: fmt.Sprintf("unknown intensity %q", in.Intensity)}
	}
	return nil
}

// Generate produces up to max ranked proposals for the intent. Archetypes are
// evaluated in catalog order; ranking is a stable sort by impact, then
// primary-goal match, so equal candidates keep their catalog order.
func Generate(cat *catalog.Catalog, in Intent, max int) ([]Recommendation, error) {
	if err := in.Validate(cat); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 3
	}
	cohort, _ := cat.CohortByID(in.CohortID)
	intensity, _ := cat.IntensityByID(in.Intensity)

	var recs []Recommendation
	for _, a := range cat.Archetypes {
		if !matchesGoals(a, in) || !a.SupportsIntensity(in.Intensity) {
			continue
		}
		recs = append(recs, build(a, in, cohort, intensity))
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].ImpactScore != recs[j].ImpactScore {
			return recs[i].ImpactScore > recs[j].ImpactScore
		}
		iPrimary := archetypeSupportsPrimary(cat, recs[i].ArchetypeID, in.PrimaryGoal)
		jPrimary := archetypeSupportsPrimary(cat, recs[j].ArchetypeID, in.PrimaryGoal)
		if iPrimary != jPrimary {
			return iPrimary
		}
		return false
	})
	if len(recs) > max {
		recs = recs[:max]
	}
	return recs, nil
}

// Accept maps one recommendation to a move draft. The proposal's actions
// become the draft's act tasks verbatim.
func Accept(rec Recommendation, startDate, campaignID string) domain.MoveDraft {
	return domain.MoveDraft{
		CampaignID:       campaignID,
		Name:             fmt.Sprintf("%s: %s", rec.Name, rec.Intent.CohortID),
		Promise:          rec.Promise,
		PrimaryGoal:      rec.Intent.PrimaryGoal,
		SecondaryGoals:   rec.Intent.SecondaryGoals,
		PrimaryCohort:    rec.Intent.CohortID,
		StageFrom:        rec.Intent.StageFrom,
		StageTo:          rec.Intent.StageTo,
		TimeframeDays:    rec.Intent.TimeframeDays,
		Intensity:        rec.Intent.Intensity,
		StartDate:        startDate,
		ActTasks:         rec.Actions,
	}
}

func matchesGoals(a catalog.Archetype, in Intent) bool {
	if a.SupportsGoal(in.PrimaryGoal) {
		return true
	}
	for _, g := range in.SecondaryGoals {
		if a.SupportsGoal(g) {
			return true
		}
	}
	return false
}

func archetypeSupportsPrimary(cat *catalog.Catalog, id, primaryGoal string) bool {
	a, ok := cat.ArchetypeByID(id)
	return ok && a.SupportsGoal(primaryGoal)
}

func build(a catalog.Archetype, in Intent, cohort catalog.Cohort, intensity catalog.Intensity) Recommendation {
	score := float64(a.BaseImpact) * cohortFit(a, cohort) * intensity.Multiplier
	return Recommendation{
		ArchetypeID: a.ID,
		Name:        a.Name,
		Promise:     render(a.PromiseTemplate, cohort),
		Actions:     sizeActions(a, in, cohort, intensity),
		ImpactScore: score,
		ImpactBand:  band(score),
		Constraints: a.Constraints,
		Intent:      in,
	}
}

// cohortFit is the share of the archetype's ideal tags the cohort carries,
// floored so an off-profile cohort still gets a nonzero score.
func cohortFit(a catalog.Archetype, cohort catalog.Cohort) float64 {
	if len(a.IdealCohortTags) == 0 {
		return 1.0
	}
	tags := map[string]bool{}
	for _, t := range cohort.Tags {
		tags[t] = true
	}
	matched := 0
	for _, t := range a.IdealCohortTags {
		if tags[t] {
			matched++
		}
	}
	fit := float64(matched) / float64(len(a.IdealCohortTags))
	if fit < 0.25 {
		return 0.25
	}
	return fit
}

func band(score float64) string {
	switch {
	case score >= 4:
		return BandHigh
	case score >= 2:
		return BandMedium
	default:
		return BandLow
	}
}

// sizeActions spreads the archetype's templates across the timeframe at the
// intensity's weekly cadence, cycling templates when the schedule outruns them.
func sizeActions(a catalog.Archetype, in Intent, cohort catalog.Cohort, intensity catalog.Intensity) []string {
	weeks := (in.TimeframeDays + 6) / 7
	total := weeks * intensity.ActionsPerWeek
	if total > maxActions {
		total = maxActions
	}
	if total < len(a.ActionTemplates) {
		total = len(a.ActionTemplates)
	}
	actions := make([]string, 0, total)
	for i := 0; i < total; i++ {
		week := i/intensity.ActionsPerWeek + 1
		tmpl := a.ActionTemplates[i%len(a.ActionTemplates)]
		actions = append(actions, fmt.Sprintf("Week %d: %s", week, render(tmpl, cohort)))
	}
	return actions
}

func render(tmpl string, cohort catalog.Cohort) string {
	return strings.ReplaceAll(tmpl, "{cohort}", cohort.Name)
}
