package engine_test

import (
	"context"
	"testing"
	"time"

	"pulseboard/internal/config"
	"pulseboard/internal/db"
	"pulseboard/internal/engine"
	"pulseboard/internal/health"
	"pulseboard/internal/migrate"
	"pulseboard/internal/repo"
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
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func seedProject(t *testing.T, env testEnv) string {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		ID:      "proj-1",
		Name:    "Website relaunch",
		Status:  "active",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p.ID
}

func intp(v int) *int { return &v }

func TestCreateProjectDefaults(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "Bare", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != "draft" {
		t.Fatalf("expected draft status, got %s", p.Status)
	}
	if p.HealthCalculationType != health.CalculationAutomatic {
		t.Fatalf("expected automatic calculation, got %s", p.HealthCalculationType)
	}
	if p.ID == "" {
		t.Fatalf("expected generated id")
	}
	if _, err := env.Engine.Repo.GetProjectConfig(env.Ctx, p.ID); err != nil {
		t.Fatalf("expected seeded config: %v", err)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ActorID: "tester"}); err == nil {
		t.Fatalf("expected missing name error")
	}
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "x", Status: "bogus", ActorID: "tester"}); err == nil {
		t.Fatalf("expected invalid status error")
	}
	if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "x", ManualStatusColor: "purple", ActorID: "tester"}); err == nil {
		t.Fatalf("expected invalid color error")
	}
}

func TestMilestoneWritesBackDerivedDates(t *testing.T) {
	env := newTestEnv(t)
	id := seedProject(t, env)
	if _, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: id, Name: "kickoff", Date: "2025-01-01", Completion: 100, ActorID: "tester",
	}); err != nil {
		t.Fatalf("milestone 1: %v", err)
	}
	if _, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: id, Name: "launch", Date: "2025-06-01", ActorID: "tester",
	}); err != nil {
		t.Fatalf("milestone 2: %v", err)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, id)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.CalculatedStartDate == nil || *p.CalculatedStartDate != "2025-01-01" {
		t.Fatalf("unexpected start date: %v", p.CalculatedStartDate)
	}
	if p.CalculatedEndDate == nil || *p.CalculatedEndDate != "2025-06-01" {
		t.Fatalf("unexpected end date: %v", p.CalculatedEndDate)
	}
	if p.TotalDays == nil || *p.TotalDays != 152 {
		t.Fatalf("unexpected total days: %v", p.TotalDays)
	}
	if p.TotalDaysRemaining == nil || *p.TotalDaysRemaining != 93 {
		t.Fatalf("unexpected days remaining: %v", p.TotalDaysRemaining)
	}
}

func TestMilestoneDeletionClearsDerivedDates(t *testing.T) {
	env := newTestEnv(t)
	id := seedProject(t, env)
	m, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: id, Name: "only", Date: "2025-04-01", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteMilestone(env.Ctx, m.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if p.CalculatedStartDate != nil || p.TotalDays != nil {
		t.Fatalf("expected derived fields cleared, got %v %v", p.CalculatedStartDate, p.TotalDays)
	}
}

func TestMilestoneValidation(t *testing.T) {
	env := newTestEnv(t)
	id := seedProject(t, env)
	if _, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: id, Name: "bad date", Date: "01/02/2025", ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected date format error")
	}
	if _, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: id, Name: "bad completion", Completion: 101, ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected completion range error")
	}
	if _, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: "nope", Name: "orphan", ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected missing project error")
	}
}

func TestUpdateMilestoneClearsDate(t *testing.T) {
	env := newTestEnv(t)
	id := seedProject(t, env)
	m, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: id, Name: "movable", Date: "2025-04-01", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	empty := ""
	m, err = env.Engine.UpdateMilestone(env.Ctx, engine.MilestoneUpdateOptions{ID: m.ID, Date: &empty, ActorID: "tester"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if m.Date != nil {
		t.Fatalf("expected cleared date, got %v", *m.Date)
	}
	p, _ := env.Engine.Repo.GetProject(env.Ctx, id)
	if p.CalculatedStartDate != nil {
		t.Fatalf("expected derived dates cleared after losing the only dated milestone")
	}
}

func TestProjectHealthClassifiesAndLogsEvent(t *testing.T) {
	env := newTestEnv(t)
	id := seedProject(t, env)
	_, _ = env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: id, Name: "kickoff", Date: "2025-01-01", Completion: 100, ActorID: "tester",
	})
	_, _ = env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: id, Name: "launch", Date: "2025-06-01", ActorID: "tester",
	})
	c, err := env.Engine.ProjectHealth(env.Ctx, id, "tester")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if c.Color != health.ColorGreen {
		t.Fatalf("expected green, got %s (%s)", c.Color, c.Reasoning)
	}
	if c.Metrics.WeightedCompletion != 50 {
		t.Fatalf("expected 50%% completion, got %d", c.Metrics.WeightedCompletion)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='project.health.calculated'`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count == 0 {
		t.Fatalf("expected health event rows")
	}
}

func TestProjectHealthManualOverride(t *testing.T) {
	env := newTestEnv(t)
	id := seedProject(t, env)
	manual := health.CalculationManual
	red := health.ColorRed
	if _, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{
		ID: id, HealthCalculationType: &manual, ManualStatusColor: &red, ActorID: "tester",
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	c, err := env.Engine.ProjectHealth(env.Ctx, id, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if c.Color != health.ColorRed || c.CalculationType != health.CalculationManual {
		t.Fatalf("expected manual red, got %s/%s", c.Color, c.CalculationType)
	}
}

func TestRecalculateAll(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"proj-1", "proj-2", "proj-3"} {
		if _, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: id, Name: id, Status: "active", ActorID: "tester"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if _, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
			ProjectID: id, Name: "m", Date: "2025-05-01", Completion: 50, ActorID: "tester",
		}); err != nil {
			t.Fatalf("milestone %s: %v", id, err)
		}
	}
	res, err := env.Engine.RecalculateAll(env.Ctx, "tester")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if res.Total != 3 || res.Updated != 3 || len(res.Errors) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestStatusSheetAggregation(t *testing.T) {
	env := newTestEnv(t)
	id := seedProject(t, env)
	_, _ = env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{
		ProjectID: id, Name: "kickoff", Date: "2025-01-01", Completion: 100, Weight: intp(5), ActorID: "tester",
	})
	if _, err := env.Engine.CreateRisk(env.Ctx, engine.RiskCreateOptions{
		ProjectID: id, Description: "vendor slip", Impact: "high", ActorID: "tester",
	}); err != nil {
		t.Fatalf("risk: %v", err)
	}
	if _, err := env.Engine.AddAccomplishment(env.Ctx, id, "signed contract", "tester"); err != nil {
		t.Fatalf("accomplishment: %v", err)
	}
	sheet, err := env.Engine.ProjectStatus(env.Ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(sheet.Milestones) != 1 || len(sheet.Risks) != 1 || len(sheet.Accomplishments) != 1 {
		t.Fatalf("unexpected sheet sizes: %d/%d/%d", len(sheet.Milestones), len(sheet.Risks), len(sheet.Accomplishments))
	}
	if sheet.Health.Color == "" {
		t.Fatalf("expected classification on sheet")
	}
}

func TestRiskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := seedProject(t, env)
	rk, err := env.Engine.CreateRisk(env.Ctx, engine.RiskCreateOptions{ProjectID: id, Description: "scope creep", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if rk.Status != "open" || rk.Impact != "medium" {
		t.Fatalf("unexpected defaults: %s/%s", rk.Status, rk.Impact)
	}
	mitigated := "mitigated"
	rk, err = env.Engine.UpdateRisk(env.Ctx, engine.RiskUpdateOptions{ID: rk.ID, Status: &mitigated, ActorID: "tester"})
	if err != nil || rk.Status != "mitigated" {
		t.Fatalf("update: %v (%s)", err, rk.Status)
	}
	bad := "ignored"
	if _, err := env.Engine.UpdateRisk(env.Ctx, engine.RiskUpdateOptions{ID: rk.ID, Status: &bad, ActorID: "tester"}); err == nil {
		t.Fatalf("expected invalid status error")
	}
	if err := env.Engine.DeleteRisk(env.Ctx, rk.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetRisk(env.Ctx, rk.ID); err != repo.ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProjectDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	id := seedProject(t, env)
	m, _ := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{ProjectID: id, Name: "m", ActorID: "tester"})
	if err := env.Engine.DeleteProject(env.Ctx, id, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, id); err != repo.ErrNotFound {
		t.Fatalf("expected project gone, got %v", err)
	}
	if _, err := env.Engine.Repo.GetMilestone(env.Ctx, m.ID); err != repo.ErrNotFound {
		t.Fatalf("expected milestone cascade delete, got %v", err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	id := seedProject(t, env)
	m, err := env.Engine.CreateMilestone(env.Ctx, engine.MilestoneCreateOptions{ProjectID: id, Name: "evented", ActorID: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	done := 100
	_, _ = env.Engine.UpdateMilestone(env.Ctx, engine.MilestoneUpdateOptions{ID: m.ID, Completion: &done, ActorID: "tester"})
	_ = env.Engine.DeleteMilestone(env.Ctx, m.ID, "tester")
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, m.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 3 {
		t.Fatalf("expected created/updated/deleted events, got %d", count)
	}
}
