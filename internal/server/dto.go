package server

import (
	"encoding/json"

	"pulseboard/internal/config"
	"pulseboard/internal/domain"
	"pulseboard/internal/engine"
	"pulseboard/internal/health"
)

// Request payloads

type CreateProjectRequest struct {
	ID                    *string  `json:"id,omitempty"`
	Name                  string   `json:"name"`
	Description           *string  `json:"description,omitempty"`
	ValueStatement        *string  `json:"value_statement,omitempty"`
	Status                *string  `json:"status,omitempty" enum:"draft,active,on_hold,completed,cancelled"`
	HealthCalculationType *string  `json:"health_calculation_type,omitempty" enum:"automatic,manual"`
	ManualStatusColor     *string  `json:"manual_status_color,omitempty" enum:"green,yellow,red"`
	BudgetAllocated       *float64 `json:"budget_allocated,omitempty"`
	BudgetSpent           *float64 `json:"budget_spent,omitempty"`
	Owner                 *string  `json:"owner,omitempty"`
}

type UpdateProjectRequest struct {
	Name                  *string  `json:"name,omitempty"`
	Description           *string  `json:"description,omitempty"`
	ValueStatement        *string  `json:"value_statement,omitempty"`
	Status                *string  `json:"status,omitempty" enum:"draft,active,on_hold,completed,cancelled"`
	HealthCalculationType *string  `json:"health_calculation_type,omitempty" enum:"automatic,manual"`
	ManualStatusColor     *string  `json:"manual_status_color,omitempty"`
	BudgetAllocated       *float64 `json:"budget_allocated,omitempty"`
	BudgetSpent           *float64 `json:"budget_spent,omitempty"`
	Owner                 *string  `json:"owner,omitempty"`
}

type CreateMilestoneRequest struct {
	ID         *string `json:"id,omitempty"`
	Name       string  `json:"name"`
	Date       *string `json:"date,omitempty" format:"date"`
	Completion *int    `json:"completion,omitempty" minimum:"0" maximum:"100"`
	Weight     *int    `json:"weight,omitempty" minimum:"1"`
	Status     *string `json:"status,omitempty" enum:"green,yellow,red"`
	Notes      *string `json:"notes,omitempty"`
}

type UpdateMilestoneRequest struct {
	Name       *string `json:"name,omitempty"`
	Date       *string `json:"date,omitempty"`
	Completion *int    `json:"completion,omitempty" minimum:"0" maximum:"100"`
	Weight     *int    `json:"weight,omitempty" minimum:"1"`
	Status     *string `json:"status,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

type CreateRiskRequest struct {
	ID          *string `json:"id,omitempty"`
	Description string  `json:"description"`
	Impact      *string `json:"impact,omitempty" enum:"low,medium,high"`
	Mitigation  *string `json:"mitigation,omitempty"`
}

type UpdateRiskRequest struct {
	Description *string `json:"description,omitempty"`
	Impact      *string `json:"impact,omitempty" enum:"low,medium,high"`
	Mitigation  *string `json:"mitigation,omitempty"`
	Status      *string `json:"status,omitempty" enum:"open,mitigated,closed"`
}

type CreateAccomplishmentRequest struct {
	Description string `json:"description"`
}

// Response payloads

type ProjectResponse struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Description           string   `json:"description,omitempty"`
	ValueStatement        string   `json:"value_statement,omitempty"`
	Status                string   `json:"status" enum:"draft,active,on_hold,completed,cancelled"`
	HealthCalculationType string   `json:"health_calculation_type" enum:"automatic,manual"`
	ManualStatusColor     *string  `json:"manual_status_color,omitempty"`
	BudgetAllocated       *float64 `json:"budget_allocated,omitempty"`
	BudgetSpent           *float64 `json:"budget_spent,omitempty"`
	Owner                 string   `json:"owner,omitempty"`
	CalculatedStartDate   *string  `json:"calculated_start_date,omitempty"`
	CalculatedEndDate     *string  `json:"calculated_end_date,omitempty"`
	TotalDays             *int     `json:"total_days,omitempty"`
	TotalDaysRemaining    *int     `json:"total_days_remaining,omitempty"`
	WorkingDaysRemaining  *int     `json:"working_days_remaining,omitempty"`
	CreatedAt             string   `json:"created_at" format:"date-time"`
	UpdatedAt             string   `json:"updated_at" format:"date-time"`
}

type MilestoneResponse struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Name       string  `json:"name"`
	Date       *string `json:"date,omitempty"`
	Completion int     `json:"completion"`
	Weight     *int    `json:"weight,omitempty"`
	Status     *string `json:"status,omitempty"`
	Notes      string  `json:"notes,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type RiskResponse struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Description string `json:"description"`
	Impact      string `json:"impact" enum:"low,medium,high"`
	Mitigation  string `json:"mitigation,omitempty"`
	Status      string `json:"status" enum:"open,mitigated,closed"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type AccomplishmentResponse struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type HealthResponse struct {
	Color           string         `json:"color" enum:"green,yellow,red"`
	CalculationType string         `json:"calculation_type" enum:"automatic,manual"`
	Reasoning       string         `json:"reasoning"`
	Metrics         health.Metrics `json:"metrics"`
	Recommendations []string       `json:"recommendations"`
}

type StatusSheetResponse struct {
	Project         ProjectResponse          `json:"project"`
	Milestones      []MilestoneResponse      `json:"milestones"`
	Risks           []RiskResponse           `json:"risks"`
	Accomplishments []AccomplishmentResponse `json:"accomplishments"`
	Health          HealthResponse           `json:"health"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type RecalcResponse struct {
	Total   int      `json:"total"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors"`
}

type NarrativeResponse struct {
	Text string `json:"text"`
}

type MilestoneSuggestionsResponse struct {
	Suggestions []MilestoneSuggestionResponse `json:"suggestions"`
}

type MilestoneSuggestionResponse struct {
	Name   string `json:"name"`
	Date   string `json:"date,omitempty"`
	Weight int    `json:"weight,omitempty"`
}

type ProjectConfigResponse struct {
	Project struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"project"`
	Health struct {
		DefaultWeight int `json:"default_weight"`
		AtRiskMargin  int `json:"at_risk_margin"`
	} `json:"health"`
}

type paginatedProjects struct {
	Items      []ProjectResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func mapProjects(in []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		res = append(res, projectResponse(p))
	}
	return res
}

func milestoneResponse(m domain.Milestone) MilestoneResponse {
	return MilestoneResponse(m)
}

func mapMilestones(in []domain.Milestone) []MilestoneResponse {
	res := make([]MilestoneResponse, 0, len(in))
	for _, m := range in {
		res = append(res, milestoneResponse(m))
	}
	return res
}

func riskResponse(rk domain.Risk) RiskResponse {
	return RiskResponse(rk)
}

func mapRisks(in []domain.Risk) []RiskResponse {
	res := make([]RiskResponse, 0, len(in))
	for _, rk := range in {
		res = append(res, riskResponse(rk))
	}
	return res
}

func accomplishmentResponse(a domain.Accomplishment) AccomplishmentResponse {
	return AccomplishmentResponse(a)
}

func mapAccomplishments(in []domain.Accomplishment) []AccomplishmentResponse {
	res := make([]AccomplishmentResponse, 0, len(in))
	for _, a := range in {
		res = append(res, accomplishmentResponse(a))
	}
	return res
}

func healthResponse(c health.Classification) HealthResponse {
	return HealthResponse{
		Color:           c.Color,
		CalculationType: c.CalculationType,
		Reasoning:       c.Reasoning,
		Metrics:         c.Metrics,
		Recommendations: nonNilSlice(c.Recommendations),
	}
}

func statusSheetResponse(s engine.StatusSheet) StatusSheetResponse {
	return StatusSheetResponse{
		Project:         projectResponse(s.Project),
		Milestones:      mapMilestones(s.Milestones),
		Risks:           mapRisks(s.Risks),
		Accomplishments: mapAccomplishments(s.Accomplishments),
		Health:          healthResponse(s.Health),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var res ProjectConfigResponse
	res.Project.ID = cfg.Project.ID
	res.Project.Name = cfg.Project.Name
	res.Health.DefaultWeight = cfg.Health.DefaultWeight
	res.Health.AtRiskMargin = cfg.Health.AtRiskMargin
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
