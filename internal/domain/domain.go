package domain

import (
	"fmt"
	"strings"
	"time"
)

// Move statuses form the OODA lifecycle. A move enters at planning and either
// runs through complete or is killed from any non-terminal status.
const (
	StatusPlanning = "planning"
	StatusObserve  = "observe"
	StatusOrient   = "orient"
	StatusDecide   = "decide"
	StatusAct      = "act"
	StatusComplete = "complete"
	StatusKilled   = "killed"
)

const (
	IntensityLight      = "light"
	IntensityStandard   = "standard"
	IntensityAggressive = "aggressive"
)

// Overall pre-flight outcomes recorded on a move after a validator run.
const (
	PreflightPass = "pass"
	PreflightWarn = "warn"
	PreflightFail = "fail"
)

const (
	HealthGreen = "green"
	HealthAmber = "amber"
	HealthRed   = "red"
)

// Act task statuses.
const (
	TaskPending = "pending"
	TaskDone    = "done"
	TaskSkipped = "skipped"
)

// DateFormat is the storage format for move start/end dates.
const DateFormat = "2006-01-02"

type Campaign struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Objective string `json:"objective,omitempty"`
	Status    string `json:"status" enum:"active,paused,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActTask is one concrete execution step a move commits to during act.
type ActTask struct {
	Name   string `json:"name"`
	Status string `json:"status" enum:"pending,done,skipped"`
}

// Move is a time-boxed, cohort-targeted marketing action.
type Move struct {
	ID               string    `json:"id"`
	CampaignID       *string   `json:"campaign_id,omitempty"`
	Name             string    `json:"name"`
	Promise          string    `json:"promise,omitempty"`
	PrimaryGoal      string    `json:"primary_goal"`
	SecondaryGoals   []string  `json:"secondary_goals,omitempty"`
	PrimaryCohort    string    `json:"primary_cohort"`
	SecondaryCohorts []string  `json:"secondary_cohorts,omitempty"`
	StageFrom        string    `json:"stage_from"`
	StageTo          string    `json:"stage_to"`
	TimeframeDays    int       `json:"timeframe_days"`
	Intensity        string    `json:"intensity" enum:"light,standard,aggressive"`
	StartDate        string    `json:"start_date" format:"date"`
	EndDate          string    `json:"end_date" format:"date"`
	Status           string    `json:"status" enum:"planning,observe,orient,decide,act,complete,killed"`
	ProgressPercent  int       `json:"progress_percent"`
	Observations     []string  `json:"observations,omitempty"`
	OrientationNotes string    `json:"orientation_notes,omitempty"`
	ActTasks         []ActTask `json:"act_tasks,omitempty"`
	PreflightStatus  string    `json:"preflight_status,omitempty" enum:"pass,warn,fail"`
	PreflightAt      *string   `json:"preflight_at,omitempty" format:"date-time"`
	WarnAcknowledged bool      `json:"warn_acknowledged,omitempty"`
	KillReason       *string   `json:"kill_reason,omitempty"`
	Version          int64     `json:"version"`
	CreatedAt        string    `json:"created_at" format:"date-time"`
	UpdatedAt        string    `json:"updated_at" format:"date-time"`
	LastTransitionAt string    `json:"last_transition_at" format:"date-time"`
}

// MoveDraft carries the fields required to create a move. Drafts come from the
// CLI/API directly or from an accepted recommendation.
type MoveDraft struct {
	ID               string
	CampaignID       string
	Name             string
	Promise          string
	PrimaryGoal      string
	SecondaryGoals   []string
	PrimaryCohort    string
	SecondaryCohorts []string
	StageFrom        string
	StageTo          string
	TimeframeDays    int
	Intensity        string
	StartDate        string
	ActTasks         []string
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CampaignID string `json:"campaign_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ValidationError reports a structurally invalid draft or intent. The field
// name is kept so callers can render a specific message.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IllegalTransitionError reports an advance/kill that violates the state
// machine. Guard names the unmet condition.
type IllegalTransitionError struct {
	From  string
	Guard string
}

func (e IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot advance from %s: %s", e.From, e.Guard)
}

// Validate checks the structural invariants of a draft. Catalog membership of
// the referenced ids is the engine's job; this only checks shape.
func (d MoveDraft) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ValidationError{Field: "name", Reason: "is required"}
	}
	if d.PrimaryGoal == "" {
		return ValidationError{Field: "primary_goal", Reason: "is required"}
	}
	if d.PrimaryCohort == "" {
		return ValidationError{Field: "primary_cohort", Reason: "is required"}
	}
	if d.StageFrom == "" || d.StageTo == "" {
		return ValidationError{Field: "stage_from", Reason: "funnel transition requires both stages"}
	}
	if d.StageFrom == d.StageTo {
		return ValidationError{Field: "stage_to", Reason: "must differ from stage_from"}
	}
	if d.TimeframeDays <= 0 {
		return ValidationError{Field: "timeframe_days", Reason: "is required"}
	}
	if d.Intensity == "" {
		return ValidationError{Field: "intensity", Reason: "is required"}
	}
	for _, g := range d.SecondaryGoals {
		if g == d.PrimaryGoal {
			return ValidationError{Field: "secondary_goals", Reason: "must not include the primary goal"}
		}
	}
	for _, c := range d.SecondaryCohorts {
		if c == d.PrimaryCohort {
			return ValidationError{Field: "secondary_cohorts", Reason: "must not include the primary cohort"}
		}
	}
	return nil
}

// Terminal reports whether no further transition is possible.
func (m Move) Terminal() bool {
	return m.Status == StatusComplete || m.Status == StatusKilled
}

// NextStatus returns the single legal forward status, if any.
func NextStatus(status string) (string, bool) {
	switch status {
	case StatusPlanning:
		return StatusObserve, true
	case StatusObserve:
		return StatusOrient, true
	case StatusOrient:
		return StatusDecide, true
	case StatusDecide:
		return StatusAct, true
	case StatusAct:
		return StatusComplete, true
	}
	return "", false
}

// AdvanceGuard checks the guard for the single legal forward transition
// without mutating the move.
func (m Move) AdvanceGuard(now time.Time) error {
	switch m.Status {
	case StatusPlanning:
		if m.PrimaryCohort == "" || m.PrimaryGoal == "" || m.StageFrom == "" || m.StageTo == "" || m.TimeframeDays <= 0 {
			return IllegalTransitionError{From: m.Status, Guard: "move needs a primary cohort, primary goal, funnel transition and timeframe"}
		}
	case StatusObserve:
		if len(m.Observations) == 0 {
			return IllegalTransitionError{From: m.Status, Guard: "at least one observation source must be attached"}
		}
	case StatusOrient:
		if strings.TrimSpace(m.OrientationNotes) == "" {
			return IllegalTransitionError{From: m.Status, Guard: "orientation notes must not be empty"}
		}
	case StatusDecide:
		switch m.PreflightStatus {
		case PreflightPass:
		case PreflightWarn:
			if !m.WarnAcknowledged {
				return IllegalTransitionError{From: m.Status, Guard: "pre-flight warnings must be acknowledged"}
			}
		default:
			return IllegalTransitionError{From: m.Status, Guard: "pre-flight must pass before acting"}
		}
	case StatusAct:
		if !m.actTasksResolved() && !m.TimeframeElapsed(now) {
			return IllegalTransitionError{From: m.Status, Guard: "all act tasks must be done or skipped, or the timeframe elapsed"}
		}
	case StatusComplete, StatusKilled:
		return IllegalTransitionError{From: m.Status, Guard: "move is terminal"}
	default:
		return IllegalTransitionError{From: m.Status, Guard: "unknown status"}
	}
	return nil
}

// Advance applies the single legal forward transition, or returns the
// IllegalTransitionError naming the unmet guard.
func (m *Move) Advance(now time.Time) error {
	if err := m.AdvanceGuard(now); err != nil {
		return err
	}
	next, _ := NextStatus(m.Status)
	m.Status = next
	m.LastTransitionAt = now.UTC().Format(time.RFC3339)
	if m.Status == StatusComplete {
		m.ProgressPercent = 100
	}
	return nil
}

// Kill aborts the move. Idempotent when already killed; a completed move
// cannot be killed.
func (m *Move) Kill(reason string, now time.Time) error {
	if m.Status == StatusKilled {
		return nil
	}
	if m.Status == StatusComplete {
		return IllegalTransitionError{From: m.Status, Guard: "completed moves cannot be killed"}
	}
	m.Status = StatusKilled
	m.KillReason = &reason
	m.LastTransitionAt = now.UTC().Format(time.RFC3339)
	return nil
}

// SetProgress updates progress while acting. Progress is monotonically
// non-decreasing; reaching 100 completes the move.
func (m *Move) SetProgress(percent int, now time.Time) error {
	if m.Status != StatusAct {
		return IllegalTransitionError{From: m.Status, Guard: "progress can only be updated while acting"}
	}
	if percent < m.ProgressPercent {
		return ValidationError{Field: "progress_percent", Reason: fmt.Sprintf("must not decrease (current %d)", m.ProgressPercent)}
	}
	if percent > 100 {
		return ValidationError{Field: "progress_percent", Reason: "must not exceed 100"}
	}
	m.ProgressPercent = percent
	if percent == 100 {
		m.Status = StatusComplete
		m.LastTransitionAt = now.UTC().Format(time.RFC3339)
	}
	return nil
}

// ResolveTask marks the named act task done or skipped.
func (m *Move) ResolveTask(name string, skipped bool) error {
	for i := range m.ActTasks {
		if m.ActTasks[i].Name != name {
			continue
		}
		if skipped {
			m.ActTasks[i].Status = TaskSkipped
		} else {
			m.ActTasks[i].Status = TaskDone
		}
		return nil
	}
	return ValidationError{Field: "task", Reason: fmt.Sprintf("no act task named %q", name)}
}

func (m Move) actTasksResolved() bool {
	if len(m.ActTasks) == 0 {
		return false
	}
	for _, t := range m.ActTasks {
		if t.Status != TaskDone && t.Status != TaskSkipped {
			return false
		}
	}
	return true
}

// DaysElapsed returns whole days since the start date, clamped to the
// timeframe. Zero before the start date or when the date is unparsable.
func (m Move) DaysElapsed(now time.Time) int {
	start, err := time.Parse(DateFormat, m.StartDate)
	if err != nil {
		return 0
	}
	days := int(now.UTC().Sub(start).Hours() / 24)
	if days < 0 {
		return 0
	}
	if m.TimeframeDays > 0 && days > m.TimeframeDays {
		return m.TimeframeDays
	}
	return days
}

// TimeframeElapsed reports whether the move's end date has passed.
func (m Move) TimeframeElapsed(now time.Time) bool {
	end, err := time.Parse(DateFormat, m.EndDate)
	if err != nil {
		return false
	}
	return !now.UTC().Before(end)
}

// Health derives the traffic-light signal from pace, pre-flight state and
// outstanding anomaly flags. Pure; never stored.
func (m Move) Health(now time.Time, anomalyFlags int) string {
	switch m.Status {
	case StatusComplete:
		return HealthGreen
	case StatusKilled:
		return HealthRed
	}
	if m.PreflightStatus == PreflightFail {
		return HealthRed
	}
	deficit := 0
	if m.Status == StatusAct && m.TimeframeDays > 0 {
		expected := m.DaysElapsed(now) * 100 / m.TimeframeDays
		deficit = expected - m.ProgressPercent
	}
	switch {
	case deficit >= 40:
		return HealthRed
	case deficit >= 15 || anomalyFlags > 0:
		return HealthAmber
	default:
		return HealthGreen
	}
}

// EndDateFor computes the end date for a start date and timeframe.
func EndDateFor(startDate string, timeframeDays int) (string, error) {
	start, err := time.Parse(DateFormat, startDate)
	if err != nil {
		return "", ValidationError{Field: "start_date", Reason: "must be YYYY-MM-DD"}
	}
	return start.AddDate(0, 0, timeframeDays).Format(DateFormat), nil
}
