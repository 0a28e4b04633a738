package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClock() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func readyMove() Move {
	return Move{
		ID:            "mv-1",
		Name:          "Spring trial push",
		PrimaryGoal:   "conversion",
		PrimaryCohort: "trial-users",
		StageFrom:     "product_aware",
		StageTo:       "most_aware",
		TimeframeDays: 14,
		Intensity:     IntensityStandard,
		StartDate:     "2026-03-09",
		EndDate:       "2026-03-23",
		Status:        StatusPlanning,
	}
}

func TestDraftValidate(t *testing.T) {
	draft := MoveDraft{
		Name:          "Spring trial push",
		PrimaryGoal:   "conversion",
		PrimaryCohort: "trial-users",
		StageFrom:     "product_aware",
		StageTo:       "most_aware",
		TimeframeDays: 14,
		Intensity:     IntensityStandard,
	}
	require.NoError(t, draft.Validate())

	bad := draft
	bad.StageTo = bad.StageFrom
	err := bad.Validate()
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "stage_to", verr.Field)

	bad = draft
	bad.SecondaryGoals = []string{"awareness", "conversion"}
	err = bad.Validate()
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "secondary_goals", verr.Field)

	bad = draft
	bad.SecondaryCohorts = []string{"trial-users"}
	err = bad.Validate()
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "secondary_cohorts", verr.Field)

	bad = draft
	bad.Name = "   "
	err = bad.Validate()
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)
}

func TestAdvanceWalksTheLifecycle(t *testing.T) {
	now := testClock()
	m := readyMove()

	require.NoError(t, m.Advance(now))
	assert.Equal(t, StatusObserve, m.Status)

	// Observe gate: needs a source.
	err := m.Advance(now)
	var terr IllegalTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusObserve, terr.From)
	assert.Contains(t, terr.Guard, "observation")

	m.Observations = []string{"ga4:landing-page"}
	require.NoError(t, m.Advance(now))
	assert.Equal(t, StatusOrient, m.Status)

	err = m.Advance(now)
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Guard, "orientation")

	m.OrientationNotes = "Signups stall at the pricing step."
	require.NoError(t, m.Advance(now))
	assert.Equal(t, StatusDecide, m.Status)

	// Decide gate: no pre-flight run yet.
	err = m.Advance(now)
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Guard, "pre-flight")

	m.PreflightStatus = PreflightPass
	require.NoError(t, m.Advance(now))
	assert.Equal(t, StatusAct, m.Status)

	// Act gate: no tasks resolved and timeframe not elapsed.
	err = m.Advance(now)
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusAct, terr.From)

	m.ActTasks = []ActTask{{Name: "announce", Status: TaskDone}, {Name: "remind", Status: TaskSkipped}}
	require.NoError(t, m.Advance(now))
	assert.Equal(t, StatusComplete, m.Status)
	assert.Equal(t, 100, m.ProgressPercent)

	err = m.Advance(now)
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Guard, "terminal")
}

func TestDecideRequiresWarnAcknowledgment(t *testing.T) {
	now := testClock()
	m := readyMove()
	m.Status = StatusDecide
	m.PreflightStatus = PreflightWarn

	err := m.Advance(now)
	var terr IllegalTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Guard, "acknowledged")

	m.WarnAcknowledged = true
	require.NoError(t, m.Advance(now))
	assert.Equal(t, StatusAct, m.Status)
}

func TestDecideBlocksOnFail(t *testing.T) {
	m := readyMove()
	m.Status = StatusDecide
	m.PreflightStatus = PreflightFail
	m.WarnAcknowledged = true

	err := m.Advance(testClock())
	var terr IllegalTransitionError
	require.ErrorAs(t, err, &terr)
}

func TestActAdvanceOnElapsedTimeframe(t *testing.T) {
	m := readyMove()
	m.Status = StatusAct
	m.ActTasks = []ActTask{{Name: "announce", Status: TaskPending}}

	after := time.Date(2026, 3, 24, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.Advance(after))
	assert.Equal(t, StatusComplete, m.Status)
}

func TestKill(t *testing.T) {
	now := testClock()
	m := readyMove()
	m.Status = StatusOrient

	require.NoError(t, m.Kill("budget pulled", now))
	assert.Equal(t, StatusKilled, m.Status)
	require.NotNil(t, m.KillReason)
	assert.Equal(t, "budget pulled", *m.KillReason)

	// Idempotent: a second kill is a no-op and keeps the first reason.
	require.NoError(t, m.Kill("other reason", now))
	assert.Equal(t, "budget pulled", *m.KillReason)

	done := readyMove()
	done.Status = StatusComplete
	err := done.Kill("too late", now)
	var terr IllegalTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusComplete, terr.From)
}

func TestSetProgress(t *testing.T) {
	now := testClock()
	m := readyMove()
	m.Status = StatusAct
	m.ProgressPercent = 40

	require.NoError(t, m.SetProgress(60, now))
	assert.Equal(t, 60, m.ProgressPercent)

	err := m.SetProgress(50, now)
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "progress_percent", verr.Field)

	err = m.SetProgress(120, now)
	require.ErrorAs(t, err, &verr)

	require.NoError(t, m.SetProgress(100, now))
	assert.Equal(t, StatusComplete, m.Status)

	planning := readyMove()
	err = planning.SetProgress(10, now)
	var terr IllegalTransitionError
	require.ErrorAs(t, err, &terr)
}

func TestResolveTask(t *testing.T) {
	m := readyMove()
	m.ActTasks = []ActTask{{Name: "announce", Status: TaskPending}}

	require.NoError(t, m.ResolveTask("announce", false))
	assert.Equal(t, TaskDone, m.ActTasks[0].Status)

	err := m.ResolveTask("missing", true)
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDaysElapsedClamps(t *testing.T) {
	m := readyMove()

	assert.Equal(t, 1, m.DaysElapsed(testClock()))
	assert.Equal(t, 0, m.DaysElapsed(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 14, m.DaysElapsed(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)))
}

func TestHealth(t *testing.T) {
	now := time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC) // day 7 of 14
	m := readyMove()
	m.Status = StatusAct

	m.ProgressPercent = 50
	assert.Equal(t, HealthGreen, m.Health(now, 0))

	m.ProgressPercent = 30 // expected 50, deficit 20
	assert.Equal(t, HealthAmber, m.Health(now, 0))

	m.ProgressPercent = 5 // deficit 45
	assert.Equal(t, HealthRed, m.Health(now, 0))

	m.ProgressPercent = 50
	assert.Equal(t, HealthAmber, m.Health(now, 2))

	m.Status = StatusComplete
	assert.Equal(t, HealthGreen, m.Health(now, 3))

	m.Status = StatusKilled
	assert.Equal(t, HealthRed, m.Health(now, 0))

	fresh := readyMove()
	fresh.PreflightStatus = PreflightFail
	assert.Equal(t, HealthRed, fresh.Health(now, 0))
}

func TestNextStatus(t *testing.T) {
	order := []string{StatusPlanning, StatusObserve, StatusOrient, StatusDecide, StatusAct, StatusComplete}
	for i := 0; i < len(order)-1; i++ {
		next, ok := NextStatus(order[i])
		require.True(t, ok, order[i])
		assert.Equal(t, order[i+1], next)
	}
	_, ok := NextStatus(StatusComplete)
	assert.False(t, ok)
	_, ok = NextStatus(StatusKilled)
	assert.False(t, ok)
}

func TestEndDateFor(t *testing.T) {
	end, err := EndDateFor("2026-03-09", 14)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-23", end)

	_, err = EndDateFor("not-a-date", 14)
	var verr ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "start_date", verr.Field)
}
