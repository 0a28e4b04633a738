package server

import (
	"encoding/json"

	"moveline/internal/catalog"
	"moveline/internal/domain"
	"moveline/internal/engine"
	"moveline/internal/preflight"
	"moveline/internal/recommend"
)

// Request payloads

type CreateCampaignRequest struct {
	ID        *string `json:"id,omitempty"`
	Name      string  `json:"name"`
	Objective *string `json:"objective,omitempty"`
}

type UpdateCampaignRequest struct {
	Status string `json:"status" enum:"active,paused,archived"`
}

type CreateMoveRequest struct {
	ID               *string  `json:"id,omitempty"`
	CampaignID       *string  `json:"campaign_id,omitempty"`
	Name             string   `json:"name"`
	Promise          *string  `json:"promise,omitempty"`
	PrimaryGoal      string   `json:"primary_goal"`
	SecondaryGoals   []string `json:"secondary_goals,omitempty"`
	PrimaryCohort    string   `json:"primary_cohort"`
	SecondaryCohorts []string `json:"secondary_cohorts,omitempty"`
	StageFrom        string   `json:"stage_from"`
	StageTo          string   `json:"stage_to"`
	TimeframeDays    int      `json:"timeframe_days"`
	Intensity        string   `json:"intensity" enum:"light,standard,aggressive"`
	StartDate        *string  `json:"start_date,omitempty" format:"date"`
	ActTasks         []string `json:"act_tasks,omitempty"`
}

type UpdateMoveRequest struct {
	Name             *string  `json:"name,omitempty"`
	Promise          *string  `json:"promise,omitempty"`
	PrimaryGoal      *string  `json:"primary_goal,omitempty"`
	SecondaryGoals   []string `json:"secondary_goals,omitempty"`
	PrimaryCohort    *string  `json:"primary_cohort,omitempty"`
	SecondaryCohorts []string `json:"secondary_cohorts,omitempty"`
	StageFrom        *string  `json:"stage_from,omitempty"`
	StageTo          *string  `json:"stage_to,omitempty"`
	TimeframeDays    *int     `json:"timeframe_days,omitempty"`
	Intensity        *string  `json:"intensity,omitempty" enum:"light,standard,aggressive"`
	StartDate        *string  `json:"start_date,omitempty" format:"date"`
}

type AdvanceMoveRequest struct {
	AckWarn bool `json:"ack_warn,omitempty"`
}

type KillMoveRequest struct {
	Reason string `json:"reason"`
}

type ProgressRequest struct {
	Percent int `json:"percent" minimum:"0" maximum:"100"`
}

type ObservationRequest struct {
	Source string `json:"source"`
}

type OrientationRequest struct {
	Notes string `json:"notes"`
}

type SetTasksRequest struct {
	Tasks []string `json:"tasks"`
}

type ResolveTaskRequest struct {
	Name    string `json:"name"`
	Skipped bool   `json:"skipped,omitempty"`
}

type PreflightRequest struct {
	CohortSizes     map[string]int      `json:"cohort_sizes"`
	ReadyChannels   map[string][]string `json:"ready_channels"`
	AvailableAssets []string            `json:"available_assets,omitempty"`
	AnomalyFlags    []string            `json:"anomaly_flags,omitempty"`
	DaysRemaining   *int                `json:"days_remaining,omitempty"`
}

type RecommendRequest struct {
	PrimaryGoal    string   `json:"primary_goal"`
	SecondaryGoals []string `json:"secondary_goals,omitempty"`
	CohortID       string   `json:"cohort_id"`
	StageFrom      string   `json:"stage_from"`
	StageTo        string   `json:"stage_to"`
	TimeframeDays  int      `json:"timeframe_days"`
	Intensity      string   `json:"intensity" enum:"light,standard,aggressive"`
	Max            int      `json:"max,omitempty"`
}

type AcceptRecommendationRequest struct {
	Recommendation recommend.Recommendation `json:"recommendation"`
	StartDate      *string                  `json:"start_date,omitempty" format:"date"`
	CampaignID     *string                  `json:"campaign_id,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type CampaignResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Objective string `json:"objective,omitempty"`
	Status    string `json:"status" enum:"active,paused,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// MoveResponse is the stored move plus the derived read-model fields.
type MoveResponse struct {
	ID               string           `json:"id"`
	CampaignID       *string          `json:"campaign_id,omitempty"`
	Name             string           `json:"name"`
	Promise          string           `json:"promise,omitempty"`
	PrimaryGoal      string           `json:"primary_goal"`
	SecondaryGoals   []string         `json:"secondary_goals,omitempty"`
	PrimaryCohort    string           `json:"primary_cohort"`
	SecondaryCohorts []string         `json:"secondary_cohorts,omitempty"`
	StageFrom        string           `json:"stage_from"`
	StageTo          string           `json:"stage_to"`
	TimeframeDays    int              `json:"timeframe_days"`
	Intensity        string           `json:"intensity" enum:"light,standard,aggressive"`
	StartDate        string           `json:"start_date" format:"date"`
	EndDate          string           `json:"end_date" format:"date"`
	Status           string           `json:"status" enum:"planning,observe,orient,decide,act,complete,killed"`
	ProgressPercent  int              `json:"progress_percent"`
	Observations     []string         `json:"observations"`
	OrientationNotes string           `json:"orientation_notes,omitempty"`
	ActTasks         []domain.ActTask `json:"act_tasks"`
	PreflightStatus  string           `json:"preflight_status,omitempty" enum:"pass,warn,fail"`
	PreflightAt      *string          `json:"preflight_at,omitempty" format:"date-time"`
	WarnAcknowledged bool             `json:"warn_acknowledged,omitempty"`
	KillReason       *string          `json:"kill_reason,omitempty"`
	Health           string           `json:"health" enum:"green,amber,red"`
	DaysElapsed      int              `json:"days_elapsed"`
	Version          int64            `json:"version"`
	CreatedAt        string           `json:"created_at" format:"date-time"`
	UpdatedAt        string           `json:"updated_at" format:"date-time"`
	LastTransitionAt string           `json:"last_transition_at" format:"date-time"`
}

type PreflightResponse struct {
	Report preflight.Report `json:"report"`
	Move   MoveResponse     `json:"move"`
}

type RecommendationsResponse struct {
	Items []recommend.Recommendation `json:"items"`
}

type CatalogResponse struct {
	Version     int                 `json:"version"`
	Goals       []catalog.Goal      `json:"goals"`
	Cohorts     []catalog.Cohort    `json:"cohorts"`
	Stages      []catalog.Stage     `json:"stages"`
	Timeframes  []catalog.Timeframe `json:"timeframes"`
	Intensities []catalog.Intensity `json:"intensities"`
	Archetypes  []catalog.Archetype `json:"archetypes"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CampaignID string         `json:"campaign_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedMoves struct {
	Items      []MoveResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func campaignResponse(c domain.Campaign) CampaignResponse {
	return CampaignResponse(c)
}

func moveResponse(v engine.MoveView) MoveResponse {
	m := v.Move
	return MoveResponse{
		ID:               m.ID,
		CampaignID:       m.CampaignID,
		Name:             m.Name,
		Promise:          m.Promise,
		PrimaryGoal:      m.PrimaryGoal,
		SecondaryGoals:   m.SecondaryGoals,
		PrimaryCohort:    m.PrimaryCohort,
		SecondaryCohorts: m.SecondaryCohorts,
		StageFrom:        m.StageFrom,
		StageTo:          m.StageTo,
		TimeframeDays:    m.TimeframeDays,
		Intensity:        m.Intensity,
		StartDate:        m.StartDate,
		EndDate:          m.EndDate,
		Status:           m.Status,
		ProgressPercent:  m.ProgressPercent,
		Observations:     nonNilSlice(m.Observations),
		OrientationNotes: m.OrientationNotes,
		ActTasks:         nonNilSlice(m.ActTasks),
		PreflightStatus:  m.PreflightStatus,
		PreflightAt:      m.PreflightAt,
		WarnAcknowledged: m.WarnAcknowledged,
		KillReason:       m.KillReason,
		Health:           v.Health,
		DaysElapsed:      v.DaysElapsed,
		Version:          m.Version,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		LastTransitionAt: m.LastTransitionAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CampaignID: e.CampaignID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func catalogResponse(cat *catalog.Catalog) CatalogResponse {
	return CatalogResponse{
		Version:     cat.Version,
		Goals:       cat.Goals,
		Cohorts:     cat.Cohorts,
		Stages:      cat.Stages,
		Timeframes:  cat.Timeframes,
		Intensities: cat.Intensities,
		Archetypes:  cat.Archetypes,
	}
}

func intentFromRequest(req RecommendRequest) recommend.Intent {
	return recommend.Intent{
		PrimaryGoal:    req.PrimaryGoal,
		SecondaryGoals: req.SecondaryGoals,
		CohortID:       req.CohortID,
		StageFrom:      req.StageFrom,
		StageTo:        req.StageTo,
		TimeframeDays:  req.TimeframeDays,
		Intensity:      req.Intensity,
	}
}

func preflightContext(req PreflightRequest) preflight.Context {
	return preflight.Context{
		CohortSizes:     req.CohortSizes,
		ReadyChannels:   req.ReadyChannels,
		AvailableAssets: req.AvailableAssets,
		AnomalyFlags:    req.AnomalyFlags,
		DaysRemaining:   req.DaysRemaining,
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return map[string]any{}
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return map[string]any{}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
