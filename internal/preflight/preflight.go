// Package preflight checks a move against current audience and channel
// reality before the decide gate opens. Rules are pure functions over the
// move and a caller-supplied context snapshot; running them has no side
// effects, so a report can be regenerated at any time.
package preflight

import (
	"fmt"

	"moveline/internal/domain"
)

const (
	SeverityWarn = "warn"
	SeverityFail = "fail"
)

// Context is the observed state the rules judge the move against. The caller
// gathers it; the validator never reaches out to external systems.
type Context struct {
	// CohortSizes maps cohort id to current audience size.
	CohortSizes map[string]int `json:"cohort_sizes"`
	// ReadyChannels maps cohort id to the channels currently usable for it.
	ReadyChannels map[string][]string `json:"ready_channels"`
	// AvailableAssets lists creative assets usable by the move.
	AvailableAssets []string `json:"available_assets,omitempty"`
	// AnomalyFlags carries open data anomalies (tracking gaps, spikes).
	AnomalyFlags []string `json:"anomaly_flags,omitempty"`
	// DaysRemaining is the number of days left before the move's end date.
	// Nil means unknown; zero is a real value and compresses the cadence rule.
	DaysRemaining *int `json:"days_remaining,omitempty"`
}

// Days wraps a literal day count for Context.DaysRemaining.
func Days(n int) *int { return &n }

// Thresholds tune the audience and cadence rules. StageOrder is the funnel
// from top to bottom; it must match the catalog the move was created against.
type Thresholds struct {
	AudienceFailFloor int
	AudienceWarnFloor int
	AggressiveMinDays int
	StageOrder        []string
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		AudienceFailFloor: 100,
		AudienceWarnFloor: 1000,
		AggressiveMinDays: 7,
		StageOrder:        []string{"unaware", "problem_aware", "solution_aware", "product_aware", "most_aware"},
	}
}

type Issue struct {
	Code           string `json:"code"`
	Severity       string `json:"severity" enum:"warn,fail"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Report is the aggregated outcome of one validator run. Status is the worst
// severity found: fail beats warn beats pass.
type Report struct {
	Status string  `json:"status" enum:"pass,warn,fail"`
	Issues []Issue `json:"issues,omitempty"`
}

// InputError reports a malformed or incomplete Context, as distinct from a
// move that legitimately fails a rule.
type InputError struct {
	Field  string
	Reason string
}

func (e InputError) Error() string {
	return fmt.Sprintf("pre-flight input %s: %s", e.Field, e.Reason)
}

type rule func(m domain.Move, ctx Context, th Thresholds) []Issue

// Run evaluates all rules in order and aggregates the report. The same move
// and context always produce the same report.
func Run(m domain.Move, ctx Context, th Thresholds) (Report, error) {
	if err := checkInput(m, ctx); err != nil {
		return Report{}, err
	}
	rules := []rule{
		audienceFloor,
		channelReadiness,
		funnelRegression,
		aggressiveCadence,
		assetCoverage,
	}
	report := Report{Status: domain.PreflightPass}
	for _, r := range rules {
		for _, issue := range r(m, ctx, th) {
			report.Issues = append(report.Issues, issue)
			if issue.Severity == SeverityFail {
				report.Status = domain.PreflightFail
			} else if report.Status == domain.PreflightPass {
				report.Status = domain.PreflightWarn
			}
		}
	}
	return report, nil
}

func checkInput(m domain.Move, ctx Context) error {
	if ctx.CohortSizes == nil {
		return InputError{Field: "cohort_sizes", Reason: "is required"}
	}
	for _, cohort := range targetedCohorts(m) {
		if _, ok := ctx.CohortSizes[cohort]; !ok {
			return InputError{Field: "cohort_sizes", Reason: fmt.Sprintf("missing size for cohort %s", cohort)}
		}
	}
	if ctx.DaysRemaining != nil && *ctx.DaysRemaining < 0 {
		return InputError{Field: "days_remaining", Reason: "must not be negative"}
	}
	return nil
}

func targetedCohorts(m domain.Move) []string {
	cohorts := []string{m.PrimaryCohort}
	return append(cohorts, m.SecondaryCohorts...)
}

func audienceFloor(m domain.Move, ctx Context, th Thresholds) []Issue {
	size := ctx.CohortSizes[m.PrimaryCohort]
	switch {
	case size < th.AudienceFailFloor:
		return []Issue{{
			Code:           "audience.too_small",
			Severity:       SeverityFail,
			Message:        fmt.Sprintf("primary cohort %s has %d people, below the floor of %d", m.PrimaryCohort, size, th.AudienceFailFloor),
			Recommendation: "widen the cohort or merge it with an adjacent segment",
		}}
	case size < th.AudienceWarnFloor:
		return []Issue{{
			Code:           "audience.thin",
			Severity:       SeverityWarn,
			Message:        fmt.Sprintf("primary cohort %s has %d people, under the comfortable floor of %d", m.PrimaryCohort, size, th.AudienceWarnFloor),
			Recommendation: "expect noisy results at this audience size",
		}}
	}
	return nil
}

func channelReadiness(m domain.Move, ctx Context, _ Thresholds) []Issue {
	var issues []Issue
	for _, cohort := range targetedCohorts(m) {
		if len(ctx.ReadyChannels[cohort]) == 0 {
			issues = append(issues, Issue{
				Code:           "channel.none_ready",
				Severity:       SeverityFail,
				Message:        fmt.Sprintf("no ready channel for cohort %s", cohort),
				Recommendation: "connect or verify at least one channel for this cohort",
			})
		}
	}
	return issues
}

// funnelRegression re-checks the stage direction. Create already rejects a
// backwards transition; this catches drafts edited after creation.
func funnelRegression(m domain.Move, _ Context, th Thresholds) []Issue {
	order := make(map[string]int, len(th.StageOrder))
	for i, stage := range th.StageOrder {
		order[stage] = i
	}
	from, okFrom := order[m.StageFrom]
	to, okTo := order[m.StageTo]
	if okFrom && okTo && to <= from {
		return []Issue{{
			Code:     "funnel.regression",
			Severity: SeverityFail,
			Message:  fmt.Sprintf("move would take %s backwards from %s to %s", m.PrimaryCohort, m.StageFrom, m.StageTo),
		}}
	}
	return nil
}

func aggressiveCadence(m domain.Move, ctx Context, th Thresholds) []Issue {
	if ctx.DaysRemaining == nil {
		return nil
	}
	if m.Intensity == domain.IntensityAggressive && *ctx.DaysRemaining < th.AggressiveMinDays {
		return []Issue{{
			Code:           "cadence.compressed",
			Severity:       SeverityWarn,
			Message:        fmt.Sprintf("aggressive intensity with only %d days remaining", *ctx.DaysRemaining),
			Recommendation: "drop to standard intensity or extend the timeframe",
		}}
	}
	return nil
}

func assetCoverage(m domain.Move, ctx Context, _ Thresholds) []Issue {
	if len(ctx.AvailableAssets) == 0 && m.Intensity != domain.IntensityLight {
		return []Issue{{
			Code:           "assets.missing",
			Severity:       SeverityWarn,
			Message:        "no creative assets available for a non-light move",
			Recommendation: "prepare at least one asset before acting",
		}}
	}
	return nil
}
