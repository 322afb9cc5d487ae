package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulseboard/internal/config"
	"pulseboard/internal/domain"
	"pulseboard/internal/events"
	"pulseboard/internal/health"
	"pulseboard/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Log:    zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e Engine) healthOptions() health.Options {
	var opts health.Options
	if e.Config != nil {
		opts.DefaultWeight = e.Config.Health.DefaultWeight
		opts.AtRiskMargin = e.Config.Health.AtRiskMargin
	}
	return opts
}

var projectStatuses = map[string]bool{
	"draft": true, "active": true, "on_hold": true, "completed": true, "cancelled": true,
}

var statusColors = map[string]bool{
	health.ColorGreen: true, health.ColorYellow: true, health.ColorRed: true,
}

func validDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// ProjectCreateOptions are parameters for creating a project status sheet.
type ProjectCreateOptions struct {
	ID                    string
	Name                  string
	Description           string
	ValueStatement        string
	Status                string
	HealthCalculationType string
	ManualStatusColor     string
	BudgetAllocated       *float64
	BudgetSpent           *float64
	Owner                 string
	ActorID               string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Name == "" {
		return domain.Project{}, errors.New("name is required")
	}
	if opts.Status == "" {
		opts.Status = "draft"
	}
	if !projectStatuses[opts.Status] {
		return domain.Project{}, fmt.Errorf("invalid project status %q", opts.Status)
	}
	if opts.HealthCalculationType == "" {
		opts.HealthCalculationType = health.CalculationAutomatic
	}
	if opts.HealthCalculationType != health.CalculationAutomatic && opts.HealthCalculationType != health.CalculationManual {
		return domain.Project{}, fmt.Errorf("invalid health_calculation_type %q", opts.HealthCalculationType)
	}
	if opts.ManualStatusColor != "" && !statusColors[opts.ManualStatusColor] {
		return domain.Project{}, fmt.Errorf("invalid manual_status_color %q", opts.ManualStatusColor)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:                    id,
		Name:                  opts.Name,
		Description:           opts.Description,
		ValueStatement:        opts.ValueStatement,
		Status:                opts.Status,
		HealthCalculationType: opts.HealthCalculationType,
		ManualStatusColor:     optionalString(opts.ManualStatusColor),
		BudgetAllocated:       opts.BudgetAllocated,
		BudgetSpent:           opts.BudgetSpent,
		Owner:                 opts.Owner,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, opts.ActorID, events.EventPayload{"name": p.Name, "status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ProjectUpdateOptions encapsulates allowed status-sheet updates. Nil
// fields are left unchanged.
type ProjectUpdateOptions struct {
	ID                    string
	Name                  *string
	Description           *string
	ValueStatement        *string
	Status                *string
	HealthCalculationType *string
	ManualStatusColor     *string
	BudgetAllocated       *float64
	BudgetSpent           *float64
	Owner                 *string
	ActorID               string
}

func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	if opts.Status != nil && !projectStatuses[*opts.Status] {
		return domain.Project{}, fmt.Errorf("invalid project status %q", *opts.Status)
	}
	if opts.HealthCalculationType != nil &&
		*opts.HealthCalculationType != health.CalculationAutomatic &&
		*opts.HealthCalculationType != health.CalculationManual {
		return domain.Project{}, fmt.Errorf("invalid health_calculation_type %q", *opts.HealthCalculationType)
	}
	if opts.ManualStatusColor != nil && *opts.ManualStatusColor != "" && !statusColors[*opts.ManualStatusColor] {
		return domain.Project{}, fmt.Errorf("invalid manual_status_color %q", *opts.ManualStatusColor)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	patch := repo.ProjectPatch{
		Name:                  opts.Name,
		Description:           opts.Description,
		ValueStatement:        opts.ValueStatement,
		Status:                opts.Status,
		HealthCalculationType: opts.HealthCalculationType,
		ManualStatusColor:     opts.ManualStatusColor,
		BudgetAllocated:       opts.BudgetAllocated,
		BudgetSpent:           opts.BudgetSpent,
		Owner:                 opts.Owner,
	}
	if err := e.Repo.UpdateProject(ctx, tx, opts.ID, patch, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.updated", opts.ID, "project", opts.ID, opts.ActorID, nil); err != nil {
		return domain.Project{}, err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) DeleteProject(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "project.deleted", id, "project", id, actorID, nil); err != nil {
		return err
	}
	if err := e.Repo.DeleteProject(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

// MilestoneCreateOptions are parameters for adding a milestone.
type MilestoneCreateOptions struct {
	ID         string
	ProjectID  string
	Name       string
	Date       string
	Completion int
	Weight     *int
	Status     string
	Notes      string
	ActorID    string
}

func (e Engine) CreateMilestone(ctx context.Context, opts MilestoneCreateOptions) (domain.Milestone, error) {
	if opts.Name == "" {
		return domain.Milestone{}, errors.New("name is required")
	}
	if opts.ProjectID == "" {
		return domain.Milestone{}, errors.New("project is required")
	}
	if opts.Date != "" && !validDate(opts.Date) {
		return domain.Milestone{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", opts.Date)
	}
	if opts.Completion < 0 || opts.Completion > 100 {
		return domain.Milestone{}, errors.New("completion must be within [0,100]")
	}
	if opts.Status != "" && !statusColors[opts.Status] {
		return domain.Milestone{}, fmt.Errorf("invalid status %q", opts.Status)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Milestone{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	m := domain.Milestone{
		ID:         id,
		ProjectID:  opts.ProjectID,
		Name:       opts.Name,
		Date:       optionalString(opts.Date),
		Completion: opts.Completion,
		Weight:     opts.Weight,
		Status:     optionalString(opts.Status),
		Notes:      opts.Notes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertMilestone(ctx, tx, m); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.refreshDerived(ctx, tx, opts.ProjectID); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.created", m.ProjectID, "milestone", m.ID, opts.ActorID, events.EventPayload{"name": m.Name, "completion": m.Completion}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return m, nil
}

// MilestoneUpdateOptions encapsulates milestone edits. Setting Date or
// Status to the empty string clears them.
type MilestoneUpdateOptions struct {
	ID         string
	Name       *string
	Date       *string
	Completion *int
	Weight     *int
	Status     *string
	Notes      *string
	ActorID    string
}

func (e Engine) UpdateMilestone(ctx context.Context, opts MilestoneUpdateOptions) (domain.Milestone, error) {
	if opts.Date != nil && *opts.Date != "" && !validDate(*opts.Date) {
		return domain.Milestone{}, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", *opts.Date)
	}
	if opts.Completion != nil && (*opts.Completion < 0 || *opts.Completion > 100) {
		return domain.Milestone{}, errors.New("completion must be within [0,100]")
	}
	if opts.Status != nil && *opts.Status != "" && !statusColors[*opts.Status] {
		return domain.Milestone{}, fmt.Errorf("invalid status %q", *opts.Status)
	}
	m, err := e.Repo.GetMilestone(ctx, opts.ID)
	if err != nil {
		return domain.Milestone{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	patch := repo.MilestonePatch{
		Name:       opts.Name,
		Date:       opts.Date,
		Completion: opts.Completion,
		Weight:     opts.Weight,
		Status:     opts.Status,
		Notes:      opts.Notes,
	}
	if err := e.Repo.UpdateMilestone(ctx, tx, opts.ID, patch, now); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.refreshDerived(ctx, tx, m.ProjectID); err != nil {
		return domain.Milestone{}, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.updated", m.ProjectID, "milestone", m.ID, opts.ActorID, nil); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	return e.Repo.GetMilestone(ctx, opts.ID)
}

func (e Engine) DeleteMilestone(ctx context.Context, id, actorID string) error {
	m, err := e.Repo.GetMilestone(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteMilestone(ctx, tx, id); err != nil {
		return err
	}
	if err := e.refreshDerived(ctx, tx, m.ProjectID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "milestone.deleted", m.ProjectID, "milestone", id, actorID, events.EventPayload{"name": m.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

// refreshDerived recomputes the cached duration columns from the
// current milestone set inside the caller's transaction.
func (e Engine) refreshDerived(ctx context.Context, tx *sql.Tx, projectID string) error {
	milestones, err := e.Repo.ListMilestonesTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.UpdateProjectDerived(ctx, tx, projectID, derivedFields(milestones, e.now()), now)
}

func derivedFields(milestones []domain.Milestone, today time.Time) repo.DerivedFields {
	d := health.DeriveDuration(milestones)
	if d == nil {
		return repo.DerivedFields{}
	}
	start := d.StartDate.Format("2006-01-02")
	end := d.EndDate.Format("2006-01-02")
	totalRemaining, workingRemaining := health.RemainingDays(today, d)
	return repo.DerivedFields{
		CalculatedStartDate:  &start,
		CalculatedEndDate:    &end,
		TotalDays:            &d.TotalDays,
		TotalDaysRemaining:   &totalRemaining,
		WorkingDaysRemaining: &workingRemaining,
	}
}

// ProjectHealth classifies the project and writes the derived duration
// columns back as a query cache. Milestones stay the source of truth.
func (e Engine) ProjectHealth(ctx context.Context, projectID, actorID string) (health.Classification, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return health.Classification{}, err
	}
	milestones, err := e.Repo.ListMilestones(ctx, projectID)
	if err != nil {
		return health.Classification{}, err
	}
	c := health.Classify(p, milestones, e.now(), e.healthOptions())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return health.Classification{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProjectDerived(ctx, tx, projectID, derivedFields(milestones, e.now()), now); err != nil {
		return health.Classification{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.health.calculated", projectID, "project", projectID, actorID, events.EventPayload{
		"color":            c.Color,
		"calculation_type": c.CalculationType,
	}); err != nil {
		return health.Classification{}, err
	}
	if err := tx.Commit(); err != nil {
		return health.Classification{}, err
	}
	e.log().Debug("health calculated",
		zap.String("project_id", projectID),
		zap.String("color", c.Color),
		zap.String("calculation_type", c.CalculationType))
	return c, nil
}

// StatusSheet aggregates everything a dashboard needs for one project.
type StatusSheet struct {
	Project         domain.Project          `json:"project"`
	Milestones      []domain.Milestone      `json:"milestones"`
	Risks           []domain.Risk           `json:"risks"`
	Accomplishments []domain.Accomplishment `json:"accomplishments"`
	Health          health.Classification   `json:"health"`
}

func (e Engine) ProjectStatus(ctx context.Context, projectID string) (StatusSheet, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return StatusSheet{}, err
	}
	milestones, err := e.Repo.ListMilestones(ctx, projectID)
	if err != nil {
		return StatusSheet{}, err
	}
	risks, err := e.Repo.ListRisks(ctx, projectID)
	if err != nil {
		return StatusSheet{}, err
	}
	accomplishments, err := e.Repo.ListAccomplishments(ctx, projectID)
	if err != nil {
		return StatusSheet{}, err
	}
	return StatusSheet{
		Project:         p,
		Milestones:      milestones,
		Risks:           risks,
		Accomplishments: accomplishments,
		Health:          health.Classify(p, milestones, e.now(), e.healthOptions()),
	}, nil
}

// RecalcResult reports the outcome of a batch recalculation.
type RecalcResult struct {
	Total   int      `json:"total"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors"`
}

// RecalculateAll recomputes health for every project. Projects are
// independent; a failure on one is recorded and the batch continues.
func (e Engine) RecalculateAll(ctx context.Context, actorID string) (RecalcResult, error) {
	projects, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{})
	if err != nil {
		return RecalcResult{}, err
	}
	res := RecalcResult{Total: len(projects), Errors: []string{}}
	for _, p := range projects {
		if _, err := e.ProjectHealth(ctx, p.ID, actorID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", p.ID, err))
			continue
		}
		res.Updated++
	}
	e.log().Info("recalculated all projects",
		zap.Int("total", res.Total),
		zap.Int("updated", res.Updated),
		zap.Int("errors", len(res.Errors)))
	return res, nil
}

// RiskCreateOptions are parameters for recording a risk.
type RiskCreateOptions struct {
	ID          string
	ProjectID   string
	Description string
	Impact      string
	Mitigation  string
	ActorID     string
}

var riskImpacts = map[string]bool{"low": true, "medium": true, "high": true}
var riskStatuses = map[string]bool{"open": true, "mitigated": true, "closed": true}

func (e Engine) CreateRisk(ctx context.Context, opts RiskCreateOptions) (domain.Risk, error) {
	if opts.Description == "" {
		return domain.Risk{}, errors.New("description is required")
	}
	if opts.ProjectID == "" {
		return domain.Risk{}, errors.New("project is required")
	}
	if opts.Impact == "" {
		opts.Impact = "medium"
	}
	if !riskImpacts[opts.Impact] {
		return domain.Risk{}, fmt.Errorf("invalid impact %q", opts.Impact)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Risk{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC().Format(time.RFC3339)
	rk := domain.Risk{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Description: opts.Description,
		Impact:      opts.Impact,
		Mitigation:  opts.Mitigation,
		Status:      "open",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Risk{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRisk(ctx, tx, rk); err != nil {
		return domain.Risk{}, err
	}
	if err := e.Events.Append(ctx, tx, "risk.created", rk.ProjectID, "risk", rk.ID, opts.ActorID, events.EventPayload{"impact": rk.Impact}); err != nil {
		return domain.Risk{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Risk{}, err
	}
	return rk, nil
}

// RiskUpdateOptions encapsulates risk edits.
type RiskUpdateOptions struct {
	ID          string
	Description *string
	Impact      *string
	Mitigation  *string
	Status      *string
	ActorID     string
}

func (e Engine) UpdateRisk(ctx context.Context, opts RiskUpdateOptions) (domain.Risk, error) {
	if opts.Impact != nil && !riskImpacts[*opts.Impact] {
		return domain.Risk{}, fmt.Errorf("invalid impact %q", *opts.Impact)
	}
	if opts.Status != nil && !riskStatuses[*opts.Status] {
		return domain.Risk{}, fmt.Errorf("invalid risk status %q", *opts.Status)
	}
	rk, err := e.Repo.GetRisk(ctx, opts.ID)
	if err != nil {
		return domain.Risk{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Risk{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	patch := repo.RiskPatch{
		Description: opts.Description,
		Impact:      opts.Impact,
		Mitigation:  opts.Mitigation,
		Status:      opts.Status,
	}
	if err := e.Repo.UpdateRisk(ctx, tx, opts.ID, patch, now); err != nil {
		return domain.Risk{}, err
	}
	if err := e.Events.Append(ctx, tx, "risk.updated", rk.ProjectID, "risk", rk.ID, opts.ActorID, nil); err != nil {
		return domain.Risk{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Risk{}, err
	}
	return e.Repo.GetRisk(ctx, opts.ID)
}

func (e Engine) DeleteRisk(ctx context.Context, id, actorID string) error {
	rk, err := e.Repo.GetRisk(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRisk(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "risk.deleted", rk.ProjectID, "risk", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) AddAccomplishment(ctx context.Context, projectID, description, actorID string) (domain.Accomplishment, error) {
	if description == "" {
		return domain.Accomplishment{}, errors.New("description is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Accomplishment{}, err
	}
	a := domain.Accomplishment{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Accomplishment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAccomplishment(ctx, tx, a); err != nil {
		return domain.Accomplishment{}, err
	}
	if err := e.Events.Append(ctx, tx, "accomplishment.created", projectID, "accomplishment", a.ID, actorID, nil); err != nil {
		return domain.Accomplishment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Accomplishment{}, err
	}
	return a, nil
}

func (e Engine) DeleteAccomplishment(ctx context.Context, projectID, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAccomplishment(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "accomplishment.deleted", projectID, "accomplishment", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
