package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"moveline/internal/config"
	"moveline/internal/db"
	"moveline/internal/domain"
	"moveline/internal/engine"
	"moveline/internal/migrate"
	"moveline/internal/preflight"
	"moveline/internal/recommend"
	"moveline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ws-1")
	eng := engine.New(conn, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func testDraft() domain.MoveDraft {
	return domain.MoveDraft{
		Name:          "Spring trial push",
		PrimaryGoal:   "conversion",
		PrimaryCohort: "trial-users",
		StageFrom:     "product_aware",
		StageTo:       "most_aware",
		TimeframeDays: 14,
		Intensity:     "standard",
		StartDate:     "2026-03-10",
	}
}

func healthyPreflight() preflight.Context {
	return preflight.Context{
		CohortSizes:     map[string]int{"trial-users": 5000},
		ReadyChannels:   map[string][]string{"trial-users": {"email"}},
		AvailableAssets: []string{"spring-banner"},
	}
}

// advanceToAct walks a fresh move through the gates up to act.
func advanceToAct(t *testing.T, env testEnv, id string) domain.Move {
	t.Helper()
	if _, err := env.Engine.AdvanceMove(env.Ctx, id, "tester", false); err != nil {
		t.Fatalf("to observe: %v", err)
	}
	if _, err := env.Engine.AttachObservation(env.Ctx, id, "ga4:landing-page", "tester"); err != nil {
		t.Fatalf("attach observation: %v", err)
	}
	if _, err := env.Engine.AdvanceMove(env.Ctx, id, "tester", false); err != nil {
		t.Fatalf("to orient: %v", err)
	}
	if _, err := env.Engine.SetOrientation(env.Ctx, id, "Signups stall at pricing.", "tester"); err != nil {
		t.Fatalf("set orientation: %v", err)
	}
	if _, err := env.Engine.AdvanceMove(env.Ctx, id, "tester", false); err != nil {
		t.Fatalf("to decide: %v", err)
	}
	if _, _, err := env.Engine.RunPreflight(env.Ctx, id, healthyPreflight(), "tester"); err != nil {
		t.Fatalf("preflight: %v", err)
	}
	m, err := env.Engine.AdvanceMove(env.Ctx, id, "tester", false)
	if err != nil {
		t.Fatalf("to act: %v", err)
	}
	if m.Status != domain.StatusAct {
		t.Fatalf("expected act, got %s", m.Status)
	}
	return m
}

func TestCreateMoveValidatesAgainstCatalog(t *testing.T) {
	env := newTestEnv(t)

	m, err := env.Engine.CreateMove(env.Ctx, testDraft(), "tester")
	if err != nil {
		t.Fatalf("create move: %v", err)
	}
	if m.Status != domain.StatusPlanning || m.Version != 1 {
		t.Fatalf("unexpected initial state: %s v%d", m.Status, m.Version)
	}
	if m.EndDate != "2026-03-24" {
		t.Fatalf("end date: %s", m.EndDate)
	}

	bad := testDraft()
	bad.PrimaryCohort = "martians"
	_, err = env.Engine.CreateMove(env.Ctx, bad, "tester")
	var verr domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "primary_cohort" {
		t.Fatalf("expected primary_cohort validation error, got %v", err)
	}

	bad = testDraft()
	bad.StageFrom = "most_aware"
	bad.StageTo = "unaware"
	_, err = env.Engine.CreateMove(env.Ctx, bad, "tester")
	if !errors.As(err, &verr) || verr.Field != "stage_to" {
		t.Fatalf("expected stage_to validation error, got %v", err)
	}

	bad = testDraft()
	bad.TimeframeDays = 13
	_, err = env.Engine.CreateMove(env.Ctx, bad, "tester")
	if !errors.As(err, &verr) || verr.Field != "timeframe_days" {
		t.Fatalf("expected timeframe validation error, got %v", err)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMove(env.Ctx, testDraft(), "tester")
	if err != nil {
		t.Fatalf("create move: %v", err)
	}
	advanceToAct(t, env, m.ID)

	m, err = env.Engine.UpdateProgress(env.Ctx, m.ID, 60, "tester")
	if err != nil || m.ProgressPercent != 60 {
		t.Fatalf("progress 60: %v", err)
	}
	m, err = env.Engine.UpdateProgress(env.Ctx, m.ID, 100, "tester")
	if err != nil {
		t.Fatalf("progress 100: %v", err)
	}
	if m.Status != domain.StatusComplete {
		t.Fatalf("expected complete at 100%%, got %s", m.Status)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "", "", "move", m.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) < 6 {
		t.Fatalf("expected a full audit trail, got %d events", len(evts))
	}
}

func TestAdvanceBlocksWithoutGuards(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMove(env.Ctx, testDraft(), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false); err != nil {
		t.Fatalf("to observe: %v", err)
	}
	// No observation attached yet.
	_, err = env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false)
	var terr domain.IllegalTransitionError
	if !errors.As(err, &terr) || terr.From != domain.StatusObserve {
		t.Fatalf("expected observe guard error, got %v", err)
	}
	// A failed guard must not change the stored move.
	got, err := env.Engine.Repo.GetMove(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusObserve || got.Version != 2 {
		t.Fatalf("move mutated by failed advance: %s v%d", got.Status, got.Version)
	}
}

func TestWarnRequiresAcknowledgment(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMove(env.Ctx, testDraft(), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttachObservation(env.Ctx, m.ID, "ga4:landing-page", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetOrientation(env.Ctx, m.ID, "Thin audience.", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false); err != nil {
		t.Fatal(err)
	}

	pf := healthyPreflight()
	pf.CohortSizes["trial-users"] = 500
	report, _, err := env.Engine.RunPreflight(env.Ctx, m.ID, pf, "tester")
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if report.Status != domain.PreflightWarn {
		t.Fatalf("expected warn, got %s", report.Status)
	}

	_, err = env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false)
	var terr domain.IllegalTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected guard error without ack, got %v", err)
	}

	m, err = env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", true)
	if err != nil {
		t.Fatalf("advance with ack: %v", err)
	}
	if m.Status != domain.StatusAct {
		t.Fatalf("expected act, got %s", m.Status)
	}
}

func TestFreshPreflightClearsAcknowledgment(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMove(env.Ctx, testDraft(), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttachObservation(env.Ctx, m.ID, "ga4", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetOrientation(env.Ctx, m.ID, "notes", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false); err != nil {
		t.Fatal(err)
	}

	pf := healthyPreflight()
	pf.CohortSizes["trial-users"] = 500
	if _, _, err := env.Engine.RunPreflight(env.Ctx, m.ID, pf, "tester"); err != nil {
		t.Fatal(err)
	}
	// Acknowledge by attempting an advance with ack but a re-run in between.
	_, m2, err := env.Engine.RunPreflight(env.Ctx, m.ID, pf, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if m2.WarnAcknowledged {
		t.Fatalf("re-run must clear acknowledgment")
	}
}

func TestKillIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMove(env.Ctx, testDraft(), "tester")
	if err != nil {
		t.Fatal(err)
	}
	m, err = env.Engine.KillMove(env.Ctx, m.ID, "budget pulled", "tester")
	if err != nil || m.Status != domain.StatusKilled {
		t.Fatalf("kill: %v", err)
	}
	v := m.Version
	m, err = env.Engine.KillMove(env.Ctx, m.ID, "again", "tester")
	if err != nil {
		t.Fatalf("second kill: %v", err)
	}
	if m.Version != v || *m.KillReason != "budget pulled" {
		t.Fatalf("second kill must be a no-op")
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "", "move.killed", "move", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected exactly one kill event, got %d", len(evts))
	}

	// Completed moves cannot be killed.
	done, err := env.Engine.CreateMove(env.Ctx, testDraft(), "tester")
	if err != nil {
		t.Fatal(err)
	}
	advanceToAct(t, env, done.ID)
	if _, err := env.Engine.UpdateProgress(env.Ctx, done.ID, 100, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.KillMove(env.Ctx, done.ID, "too late", "tester")
	var terr domain.IllegalTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestProgressRules(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMove(env.Ctx, testDraft(), "tester")
	if err != nil {
		t.Fatal(err)
	}
	// Progress outside act is rejected.
	_, err = env.Engine.UpdateProgress(env.Ctx, m.ID, 10, "tester")
	var terr domain.IllegalTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transition error, got %v", err)
	}

	advanceToAct(t, env, m.ID)
	if _, err := env.Engine.UpdateProgress(env.Ctx, m.ID, 50, "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.UpdateProgress(env.Ctx, m.ID, 40, "tester")
	var verr domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected monotonic violation, got %v", err)
	}
}

func TestActTasksGateAdvance(t *testing.T) {
	env := newTestEnv(t)
	draft := testDraft()
	draft.ActTasks = []string{"announce", "remind"}
	m, err := env.Engine.CreateMove(env.Ctx, draft, "tester")
	if err != nil {
		t.Fatal(err)
	}
	advanceToAct(t, env, m.ID)

	_, err = env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false)
	var terr domain.IllegalTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected pending tasks to block, got %v", err)
	}

	if _, err := env.Engine.ResolveActTask(env.Ctx, m.ID, "announce", false, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveActTask(env.Ctx, m.ID, "remind", true, "tester"); err != nil {
		t.Fatal(err)
	}
	m, err = env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false)
	if err != nil || m.Status != domain.StatusComplete {
		t.Fatalf("expected complete, got %s (%v)", m.Status, err)
	}
}

func TestStaleWriteConflicts(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMove(env.Ctx, testDraft(), "tester")
	if err != nil {
		t.Fatal(err)
	}
	stale, err := env.Engine.Repo.GetMove(env.Ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Another actor commits first.
	if _, err := env.Engine.SetOrientation(env.Ctx, m.ID, "first writer", "alice"); err != nil {
		t.Fatal(err)
	}

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	stale.OrientationNotes = "second writer"
	err = env.Engine.Repo.UpdateMove(env.Ctx, tx, stale, stale.Version)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestEditMoveOnlyWhilePlanning(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMove(env.Ctx, testDraft(), "tester")
	if err != nil {
		t.Fatal(err)
	}
	days := 30
	m, err = env.Engine.EditMove(env.Ctx, engine.MoveEditOptions{ID: m.ID, TimeframeDays: &days, ActorID: "tester"})
	if err != nil {
		t.Fatalf("edit while planning: %v", err)
	}
	if m.TimeframeDays != 30 || m.EndDate != "2026-04-09" {
		t.Fatalf("edit not applied: %d days, end %s", m.TimeframeDays, m.EndDate)
	}

	if _, err := env.Engine.AdvanceMove(env.Ctx, m.ID, "tester", false); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.EditMove(env.Ctx, engine.MoveEditOptions{ID: m.ID, TimeframeDays: &days, ActorID: "tester"})
	var terr domain.IllegalTransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected frozen targeting, got %v", err)
	}
}

func TestAcceptRecommendation(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCampaign(env.Ctx, "", "Spring", "grow trials", "tester")
	if err != nil {
		t.Fatal(err)
	}
	recs, err := env.Engine.GenerateRecommendations(recommend.Intent{
		PrimaryGoal:   "conversion",
		CohortID:      "trial-users",
		StageFrom:     "product_aware",
		StageTo:       "most_aware",
		TimeframeDays: 14,
		Intensity:     "standard",
	}, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(recs) == 0 || len(recs) > 3 {
		t.Fatalf("expected 1..3 recommendations, got %d", len(recs))
	}
	m, err := env.Engine.AcceptRecommendation(env.Ctx, recs[0], "2026-03-10", c.ID, "tester")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if m.Status != domain.StatusPlanning {
		t.Fatalf("accepted move must start planning, got %s", m.Status)
	}
	if len(m.ActTasks) != len(recs[0].Actions) {
		t.Fatalf("act tasks: got %d, want %d", len(m.ActTasks), len(recs[0].Actions))
	}
	if m.CampaignID == nil || *m.CampaignID != c.ID {
		t.Fatalf("campaign not linked")
	}
}

func TestPreflightHonorsExplicitZeroDays(t *testing.T) {
	env := newTestEnv(t)
	draft := testDraft()
	draft.Intensity = "aggressive"
	draft.TimeframeDays = 30
	m, err := env.Engine.CreateMove(env.Ctx, draft, "tester")
	if err != nil {
		t.Fatal(err)
	}

	// The end date is 30 days out, but the caller says zero days remain.
	pf := healthyPreflight()
	pf.DaysRemaining = preflight.Days(0)
	report, _, err := env.Engine.RunPreflight(env.Ctx, m.ID, pf, "tester")
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if report.Status != domain.PreflightWarn {
		t.Fatalf("expected warn, got %s", report.Status)
	}
	if len(report.Issues) != 1 || report.Issues[0].Code != "cadence.compressed" {
		t.Fatalf("expected cadence.compressed, got %+v", report.Issues)
	}
}

func TestCampaignStatusAndDeletion(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCampaign(env.Ctx, "", "Spring", "grow trials", "tester")
	if err != nil {
		t.Fatal(err)
	}

	var verr domain.ValidationError
	_, err = env.Engine.UpdateCampaignStatus(env.Ctx, c.ID, "retired", "tester")
	if !errors.As(err, &verr) || verr.Field != "status" {
		t.Fatalf("expected status validation error, got %v", err)
	}

	c, err = env.Engine.UpdateCampaignStatus(env.Ctx, c.ID, "archived", "tester")
	if err != nil || c.Status != "archived" {
		t.Fatalf("archive: %v (%s)", err, c.Status)
	}

	// Archived campaigns accept no new moves.
	draft := testDraft()
	draft.CampaignID = c.ID
	_, err = env.Engine.CreateMove(env.Ctx, draft, "tester")
	if !errors.As(err, &verr) || verr.Field != "campaign_id" {
		t.Fatalf("expected campaign_id validation error, got %v", err)
	}

	// Referenced campaigns cannot be deleted.
	busy, err := env.Engine.CreateCampaign(env.Ctx, "", "Summer", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	draft = testDraft()
	draft.CampaignID = busy.ID
	if _, err := env.Engine.CreateMove(env.Ctx, draft, "tester"); err != nil {
		t.Fatal(err)
	}
	err = env.Engine.DeleteCampaign(env.Ctx, busy.ID, "tester")
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict for referenced campaign, got %v", err)
	}

	// The empty archived one goes away.
	if err := env.Engine.DeleteCampaign(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetCampaign(env.Ctx, c.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMoveViewDerivesHealth(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMove(env.Ctx, testDraft(), "tester")
	if err != nil {
		t.Fatal(err)
	}
	advanceToAct(t, env, m.ID)

	// Day 7 of 14 with no progress: far behind pace.
	env.Engine.Now = func() time.Time { return time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC) }
	view, err := env.Engine.GetMoveView(env.Ctx, m.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if view.DaysElapsed != 7 {
		t.Fatalf("days elapsed: %d", view.DaysElapsed)
	}
	if view.Health != domain.HealthRed {
		t.Fatalf("expected red health, got %s", view.Health)
	}
}

func TestListMovesFilters(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCampaign(env.Ctx, "", "Spring", "", "tester")
	if err != nil {
		t.Fatal(err)
	}
	draft := testDraft()
	draft.CampaignID = c.ID
	if _, err := env.Engine.CreateMove(env.Ctx, draft, "tester"); err != nil {
		t.Fatal(err)
	}
	other := testDraft()
	other.Name = "Newsletter warmup"
	other.PrimaryCohort = "newsletter-subscribers"
	if _, err := env.Engine.CreateMove(env.Ctx, other, "tester"); err != nil {
		t.Fatal(err)
	}

	views, err := env.Engine.ListMoveViews(env.Ctx, repo.MoveFilters{CampaignID: c.ID})
	if err != nil || len(views) != 1 {
		t.Fatalf("campaign filter: %d (%v)", len(views), err)
	}
	views, err = env.Engine.ListMoveViews(env.Ctx, repo.MoveFilters{CohortID: "newsletter-subscribers"})
	if err != nil || len(views) != 1 {
		t.Fatalf("cohort filter: %d (%v)", len(views), err)
	}
	views, err = env.Engine.ListMoveViews(env.Ctx, repo.MoveFilters{Status: domain.StatusPlanning})
	if err != nil || len(views) != 2 {
		t.Fatalf("status filter: %d (%v)", len(views), err)
	}
}
