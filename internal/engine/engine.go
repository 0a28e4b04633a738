package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"moveline/internal/catalog"
	"moveline/internal/config"
	"moveline/internal/domain"
	"moveline/internal/events"
	"moveline/internal/preflight"
	"moveline/internal/recommend"
	"moveline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Catalog *catalog.Catalog
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, cat *catalog.Catalog) Engine {
	if cat == nil {
		cat = catalog.Default()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Catalog: cat,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateCampaign creates a parent container for moves.
func (e Engine) CreateCampaign(ctx context.Context, id, name, objective, actorID string) (domain.Campaign, error) {
	if name == "" {
		return domain.Campaign{}, domain.ValidationError{Field: "name", Reason: "is required"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("campaign|"+name+"|"+now)).String()
	}
	c := domain.Campaign{
		ID:        id,
		Name:      name,
		Objective: objective,
		Status:    "active",
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Campaign{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCampaign(ctx, tx, c); err != nil {
		return domain.Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "campaign.created", c.ID, "campaign", c.ID, actorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Campaign{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

// UpdateCampaignStatus pauses, archives or reactivates a campaign. Archived
// campaigns stop accepting new moves.
func (e Engine) UpdateCampaignStatus(ctx context.Context, id, status, actorID string) (domain.Campaign, error) {
	switch status {
	case "active", "paused", "archived":
	default:
		return domain.Campaign{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	c, err := e.Repo.GetCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Campaign{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateCampaignStatus(ctx, tx, id, status); err != nil {
		return domain.Campaign{}, err
	}
	if err := e.Events.Append(ctx, tx, "campaign.updated", id, "campaign", id, actorID, events.EventPayload{"status": status}); err != nil {
		return domain.Campaign{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Campaign{}, err
	}
	c.Status = status
	return c, nil
}

// DeleteCampaign removes a campaign. Campaigns with moves cannot be deleted;
// archive them instead.
func (e Engine) DeleteCampaign(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteCampaign(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "campaign.deleted", id, "campaign", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateMove validates a draft against the catalog and persists the move in
// planning. The end date is derived from the start date and timeframe.
func (e Engine) CreateMove(ctx context.Context, draft domain.MoveDraft, actorID string) (domain.Move, error) {
	if err := draft.Validate(); err != nil {
		return domain.Move{}, err
	}
	if err := e.checkCatalogRefs(draft); err != nil {
		return domain.Move{}, err
	}
	if draft.CampaignID != "" {
		c, err := e.Repo.GetCampaign(ctx, draft.CampaignID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Move{}, domain.ValidationError{Field: "campaign_id", Reason: fmt.Sprintf("unknown campaign %q", draft.CampaignID)}
			}
			return domain.Move{}, err
		}
		if c.Status == "archived" {
			return domain.Move{}, domain.ValidationError{Field: "campaign_id", Reason: "campaign is archived"}
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	startDate := draft.StartDate
	if startDate == "" {
		startDate = e.now().UTC().Format(domain.DateFormat)
	}
	endDate, err := domain.EndDateFor(startDate, draft.TimeframeDays)
	if err != nil {
		return domain.Move{}, err
	}
	id := draft.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("move|"+draft.Name+"|"+now)).String()
	}
	m := domain.Move{
		ID:               id,
		CampaignID:       optionalString(draft.CampaignID),
		Name:             draft.Name,
		Promise:          draft.Promise,
		PrimaryGoal:      draft.PrimaryGoal,
		SecondaryGoals:   draft.SecondaryGoals,
		PrimaryCohort:    draft.PrimaryCohort,
		SecondaryCohorts: draft.SecondaryCohorts,
		StageFrom:        draft.StageFrom,
		StageTo:          draft.StageTo,
		TimeframeDays:    draft.TimeframeDays,
		Intensity:        draft.Intensity,
		StartDate:        startDate,
		EndDate:          endDate,
		Status:           domain.StatusPlanning,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastTransitionAt: now,
	}
	for _, name := range draft.ActTasks {
		m.ActTasks = append(m.ActTasks, domain.ActTask{Name: name, Status: domain.TaskPending})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Move{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertMove(ctx, tx, m); err != nil {
		return domain.Move{}, fmt.Errorf("insert move: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "move.created", draft.CampaignID, "move", m.ID, actorID, events.EventPayload{
		"name":   m.Name,
		"cohort": m.PrimaryCohort,
		"goal":   m.PrimaryGoal,
	}); err != nil {
		return domain.Move{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Move{}, err
	}
	return m, nil
}

func (e Engine) checkCatalogRefs(draft domain.MoveDraft) error {
	if _, ok := e.Catalog.GoalByID(draft.PrimaryGoal); !ok {
		return domain.ValidationError{Field: "primary_goal", Reason: fmt.Sprintf("unknown goal %q", draft.PrimaryGoal)}
	}
	for _, g := range draft.SecondaryGoals {
		if _, ok := e.Catalog.GoalByID(g); !ok {
			return domain.ValidationError{Field: "secondary_goals", Reason: fmt.Sprintf("unknown goal %q", g)}
		}
	}
	if _, ok := e.Catalog.CohortByID(draft.PrimaryCohort); !ok {
		return domain.ValidationError{Field: "primary_cohort", Reason: fmt.Sprintf("unknown cohort %q", draft.PrimaryCohort)}
	}
	for _, c := range draft.SecondaryCohorts {
		if _, ok := e.Catalog.CohortByID(c); !ok {
			return domain.ValidationError{Field: "secondary_cohorts", Reason: fmt.Sprintf("unknown cohort %q", c)}
		}
	}
	from, ok := e.Catalog.StageIndex(draft.StageFrom)
	if !ok {
		return domain.ValidationError{Field: "stage_from", Reason: fmt.Sprintf("unknown stage %q", draft.StageFrom)}
	}
	to, ok := e.Catalog.StageIndex(draft.StageTo)
	if !ok {
		return domain.ValidationError{Field: "stage_to", Reason: fmt.Sprintf("unknown stage %q", draft.StageTo)}
	}
	if to <= from {
		return domain.ValidationError{Field: "stage_to", Reason: "must be further down the funnel than stage_from"}
	}
	if !e.Catalog.TimeframeAllowed(draft.TimeframeDays) {
		return domain.ValidationError{Field: "timeframe_days", Reason: fmt.Sprintf("%d is not an allowed timeframe", draft.TimeframeDays)}
	}
	if _, ok := e.Catalog.IntensityByID(draft.Intensity); !ok {
		return domain.ValidationError{Field: "intensity", Reason: fmt.Sprintf("unknown intensity %q", draft.Intensity)}
	}
	return nil
}

// MoveEditOptions carries the planning-only field edits. Nil means unchanged.
type MoveEditOptions struct {
	ID               string
	Name             *string
	Promise          *string
	PrimaryGoal      *string
	SecondaryGoals   []string
	PrimaryCohort    *string
	SecondaryCohorts []string
	StageFrom        *string
	StageTo          *string
	TimeframeDays    *int
	Intensity        *string
	StartDate        *string
	ActorID          string
}

// EditMove updates targeting and scoping fields. Only legal while planning;
// once the move starts observing, its definition is frozen.
func (e Engine) EditMove(ctx context.Context, opts MoveEditOptions) (domain.Move, error) {
	return e.mutateMove(ctx, opts.ID, opts.ActorID, "move.updated", nil, func(m *domain.Move) error {
		if m.Status != domain.StatusPlanning {
			return domain.IllegalTransitionError{From: m.Status, Guard: "targeting can only change while planning"}
		}
		if opts.Name != nil {
			m.Name = *opts.Name
		}
		if opts.Promise != nil {
			m.Promise = *opts.Promise
		}
		if opts.PrimaryGoal != nil {
			m.PrimaryGoal = *opts.PrimaryGoal
		}
		if opts.SecondaryGoals != nil {
			m.SecondaryGoals = opts.SecondaryGoals
		}
		if opts.PrimaryCohort != nil {
			m.PrimaryCohort = *opts.PrimaryCohort
		}
		if opts.SecondaryCohorts != nil {
			m.SecondaryCohorts = opts.SecondaryCohorts
		}
		if opts.StageFrom != nil {
			m.StageFrom = *opts.StageFrom
		}
		if opts.StageTo != nil {
			m.StageTo = *opts.StageTo
		}
		if opts.Intensity != nil {
			m.Intensity = *opts.Intensity
		}
		if opts.TimeframeDays != nil {
			m.TimeframeDays = *opts.TimeframeDays
		}
		if opts.StartDate != nil {
			m.StartDate = *opts.StartDate
		}
		draft := domain.MoveDraft{
			Name:             m.Name,
			PrimaryGoal:      m.PrimaryGoal,
			SecondaryGoals:   m.SecondaryGoals,
			PrimaryCohort:    m.PrimaryCohort,
			SecondaryCohorts: m.SecondaryCohorts,
			StageFrom:        m.StageFrom,
			StageTo:          m.StageTo,
			TimeframeDays:    m.TimeframeDays,
			Intensity:        m.Intensity,
		}
		if err := draft.Validate(); err != nil {
			return err
		}
		if err := e.checkCatalogRefs(draft); err != nil {
			return err
		}
		end, err := domain.EndDateFor(m.StartDate, m.TimeframeDays)
		if err != nil {
			return err
		}
		m.EndDate = end
		return nil
	})
}

// AdvanceMove applies the single legal forward transition. ackWarn records an
// explicit acknowledgment of a warn-level pre-flight outcome before the guard
// runs.
func (e Engine) AdvanceMove(ctx context.Context, id, actorID string, ackWarn bool) (domain.Move, error) {
	var from string
	m, err := e.mutateMove(ctx, id, actorID, "move.advanced", func(m domain.Move) events.EventPayload {
		return events.EventPayload{"from": from, "to": m.Status}
	}, func(m *domain.Move) error {
		from = m.Status
		if ackWarn && m.PreflightStatus == domain.PreflightWarn {
			m.WarnAcknowledged = true
		}
		return m.Advance(e.now())
	})
	return m, err
}

// KillMove aborts the move with a reason. Killing an already killed move is a
// no-op and appends no event; the check runs inside the same transaction as
// the write so concurrent kills cannot double-record.
func (e Engine) KillMove(ctx context.Context, id, reason, actorID string) (domain.Move, error) {
	return e.mutateMove(ctx, id, actorID, "move.killed", func(m domain.Move) events.EventPayload {
		return events.EventPayload{"reason": reason}
	}, func(m *domain.Move) error {
		if m.Status == domain.StatusKilled {
			return errNoChange
		}
		return m.Kill(reason, e.now())
	})
}

// UpdateProgress records execution progress while acting. Hitting 100
// completes the move in the same transaction.
func (e Engine) UpdateProgress(ctx context.Context, id string, percent int, actorID string) (domain.Move, error) {
	return e.mutateMove(ctx, id, actorID, "move.progress", func(m domain.Move) events.EventPayload {
		return events.EventPayload{"percent": m.ProgressPercent, "status": m.Status}
	}, func(m *domain.Move) error {
		return m.SetProgress(percent, e.now())
	})
}

// AttachObservation records a data source consulted during observe.
func (e Engine) AttachObservation(ctx context.Context, id, source, actorID string) (domain.Move, error) {
	if source == "" {
		return domain.Move{}, domain.ValidationError{Field: "source", Reason: "is required"}
	}
	return e.mutateMove(ctx, id, actorID, "move.observation", func(m domain.Move) events.EventPayload {
		return events.EventPayload{"source": source}
	}, func(m *domain.Move) error {
		if m.Terminal() {
			return domain.IllegalTransitionError{From: m.Status, Guard: "move is terminal"}
		}
		for _, s := range m.Observations {
			if s == source {
				return nil
			}
		}
		m.Observations = append(m.Observations, source)
		return nil
	})
}

// SetOrientation records the analysis notes required to leave orient.
func (e Engine) SetOrientation(ctx context.Context, id, notes, actorID string) (domain.Move, error) {
	return e.mutateMove(ctx, id, actorID, "move.orientation", nil, func(m *domain.Move) error {
		if m.Terminal() {
			return domain.IllegalTransitionError{From: m.Status, Guard: "move is terminal"}
		}
		m.OrientationNotes = notes
		return nil
	})
}

// SetActTasks replaces the move's execution checklist.
func (e Engine) SetActTasks(ctx context.Context, id string, names []string, actorID string) (domain.Move, error) {
	if len(names) == 0 {
		return domain.Move{}, domain.ValidationError{Field: "tasks", Reason: "at least one task is required"}
	}
	return e.mutateMove(ctx, id, actorID, "move.tasks.set", func(m domain.Move) events.EventPayload {
		return events.EventPayload{"count": len(m.ActTasks)}
	}, func(m *domain.Move) error {
		if m.Terminal() {
			return domain.IllegalTransitionError{From: m.Status, Guard: "move is terminal"}
		}
		m.ActTasks = nil
		for _, name := range names {
			m.ActTasks = append(m.ActTasks, domain.ActTask{Name: name, Status: domain.TaskPending})
		}
		return nil
	})
}

// ResolveActTask marks one checklist item done or skipped.
func (e Engine) ResolveActTask(ctx context.Context, id, name string, skipped bool, actorID string) (domain.Move, error) {
	return e.mutateMove(ctx, id, actorID, "move.task.resolved", func(m domain.Move) events.EventPayload {
		return events.EventPayload{"task": name, "skipped": skipped}
	}, func(m *domain.Move) error {
		if m.Status != domain.StatusAct {
			return domain.IllegalTransitionError{From: m.Status, Guard: "tasks resolve only while acting"}
		}
		return m.ResolveTask(name, skipped)
	})
}

// RunPreflight evaluates the validator, records the outcome on the move and
// returns the report. A fresh run always clears a prior warn acknowledgment.
// The report itself is never stored; callers re-run to regenerate it.
func (e Engine) RunPreflight(ctx context.Context, id string, pfctx preflight.Context, actorID string) (preflight.Report, domain.Move, error) {
	var report preflight.Report
	m, err := e.Repo.GetMove(ctx, id)
	if err != nil {
		return report, domain.Move{}, err
	}
	if pfctx.DaysRemaining == nil {
		pfctx.DaysRemaining = preflight.Days(daysUntil(m.EndDate, e.now()))
	}
	stages := make([]string, 0, len(e.Catalog.Stages))
	for _, s := range e.Catalog.Stages {
		stages = append(stages, s.ID)
	}
	th := preflight.Thresholds{
		AudienceFailFloor: e.Config.AudienceFailFloorOrDefault(),
		AudienceWarnFloor: e.Config.AudienceWarnFloorOrDefault(),
		AggressiveMinDays: e.Config.AggressiveMinDaysOrDefault(),
		StageOrder:        stages,
	}
	report, err = preflight.Run(m, pfctx, th)
	if err != nil {
		return report, domain.Move{}, err
	}
	at := e.now().UTC().Format(time.RFC3339)
	codes := make([]string, 0, len(report.Issues))
	for _, issue := range report.Issues {
		codes = append(codes, issue.Code)
	}
	m, err = e.mutateMove(ctx, id, actorID, "preflight.run", func(domain.Move) events.EventPayload {
		return events.EventPayload{"status": report.Status, "issues": codes}
	}, func(m *domain.Move) error {
		if m.Terminal() {
			return domain.IllegalTransitionError{From: m.Status, Guard: "move is terminal"}
		}
		m.PreflightStatus = report.Status
		m.PreflightAt = &at
		m.WarnAcknowledged = false
		return nil
	})
	return report, m, err
}

// GenerateRecommendations ranks archetype proposals for the intent. The
// result cap comes from workspace config unless the caller asks for fewer.
func (e Engine) GenerateRecommendations(in recommend.Intent, max int) ([]recommend.Recommendation, error) {
	limit := e.Config.MaxResultsOrDefault()
	if max > 0 && max < limit {
		limit = max
	}
	return recommend.Generate(e.Catalog, in, limit)
}

// AcceptRecommendation turns one proposal into a planning move.
func (e Engine) AcceptRecommendation(ctx context.Context, rec recommend.Recommendation, startDate, campaignID, actorID string) (domain.Move, error) {
	draft := recommend.Accept(rec, startDate, campaignID)
	return e.CreateMove(ctx, draft, actorID)
}

// CreateAPIKey mints a key, stores its hash and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, domain.ValidationError{Field: "actor_id", Reason: "is required"}
	}
	plaintext := uuid.NewString() + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "", "apikey", key.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}

// MoveView is the read model: the stored move plus derived fields.
type MoveView struct {
	domain.Move
	Health      string `json:"health" enum:"green,amber,red"`
	DaysElapsed int    `json:"days_elapsed"`
}

// GetMoveView loads a move with its derived health and elapsed days.
func (e Engine) GetMoveView(ctx context.Context, id string, anomalyFlags int) (MoveView, error) {
	m, err := e.Repo.GetMove(ctx, id)
	if err != nil {
		return MoveView{}, err
	}
	return e.view(m, anomalyFlags), nil
}

// ListMoveViews lists moves with derived fields under the given filters.
func (e Engine) ListMoveViews(ctx context.Context, f repo.MoveFilters) ([]MoveView, error) {
	moves, err := e.Repo.ListMoves(ctx, f)
	if err != nil {
		return nil, err
	}
	views := make([]MoveView, 0, len(moves))
	for _, m := range moves {
		views = append(views, e.view(m, 0))
	}
	return views, nil
}

func (e Engine) view(m domain.Move, anomalyFlags int) MoveView {
	now := e.now()
	return MoveView{
		Move:        m,
		Health:      m.Health(now, anomalyFlags),
		DaysElapsed: m.DaysElapsed(now),
	}
}

// errNoChange aborts a mutation without error: nothing is written, no event
// is appended, and the caller gets the move as loaded.
var errNoChange = errors.New("no change")

// mutateMove runs one load-mutate-store cycle in a transaction. The stored
// version guards the write; a concurrent commit in between surfaces as
// repo.ErrConflict. payloadFn sees the mutated move.
func (e Engine) mutateMove(ctx context.Context, id, actorID, evtType string, payloadFn func(domain.Move) events.EventPayload, mutate func(*domain.Move) error) (domain.Move, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Move{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMoveTx(ctx, tx, id)
	if err != nil {
		return domain.Move{}, err
	}
	expected := m.Version
	if err := mutate(&m); err != nil {
		if errors.Is(err, errNoChange) {
			return m, nil
		}
		return domain.Move{}, err
	}
	m.Version = expected + 1
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateMove(ctx, tx, m, expected); err != nil {
		return domain.Move{}, err
	}
	var payload events.EventPayload
	if payloadFn != nil {
		payload = payloadFn(m)
	}
	campaignID := ""
	if m.CampaignID != nil {
		campaignID = *m.CampaignID
	}
	if err := e.Events.Append(ctx, tx, evtType, campaignID, "move", m.ID, actorID, payload); err != nil {
		return domain.Move{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Move{}, err
	}
	return m, nil
}

func daysUntil(endDate string, now time.Time) int {
	end, err := time.Parse(domain.DateFormat, endDate)
	if err != nil {
		return 0
	}
	days := int(end.Sub(now.UTC()).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
