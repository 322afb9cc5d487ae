package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pulseboard/internal/config"
	"pulseboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,name,description,value_statement,status,health_calculation_type,manual_status_color,budget_allocated,budget_spent,owner,calculated_start_date,calculated_end_date,total_days,total_days_remaining,working_days_remaining,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var manualColor, startDate, endDate sql.NullString
	var budgetAllocated, budgetSpent sql.NullFloat64
	var totalDays, totalRemaining, workingRemaining sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ValueStatement, &p.Status, &p.HealthCalculationType,
		&manualColor, &budgetAllocated, &budgetSpent, &p.Owner,
		&startDate, &endDate, &totalDays, &totalRemaining, &workingRemaining,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if manualColor.Valid {
		p.ManualStatusColor = &manualColor.String
	}
	if budgetAllocated.Valid {
		p.BudgetAllocated = &budgetAllocated.Float64
	}
	if budgetSpent.Valid {
		p.BudgetSpent = &budgetSpent.Float64
	}
	if startDate.Valid {
		p.CalculatedStartDate = &startDate.String
	}
	if endDate.Valid {
		p.CalculatedEndDate = &endDate.String
	}
	if totalDays.Valid {
		v := int(totalDays.Int64)
		p.TotalDays = &v
	}
	if totalRemaining.Valid {
		v := int(totalRemaining.Int64)
		p.TotalDaysRemaining = &v
	}
	if workingRemaining.Valid {
		v := int(workingRemaining.Int64)
		p.WorkingDaysRemaining = &v
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,value_statement,status,health_calculation_type,manual_status_color,budget_allocated,budget_spent,owner,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Description, p.ValueStatement, p.Status, p.HealthCalculationType,
		nullableStringPtr(p.ManualStatusColor), nullableFloatPtr(p.BudgetAllocated), nullableFloatPtr(p.BudgetSpent),
		p.Owner, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx, ProjectFilters{})
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

type ProjectFilters struct {
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + projectColumns + ` FROM projects ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectPatch carries the mutable status-sheet fields. Nil means leave
// unchanged; for nullable columns an empty string clears the value.
type ProjectPatch struct {
	Name                  *string
	Description           *string
	ValueStatement        *string
	Status                *string
	HealthCalculationType *string
	ManualStatusColor     *string
	BudgetAllocated       *float64
	BudgetSpent           *float64
	Owner                 *string
}

func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, id string, patch ProjectPatch, updatedAt string) error {
	var fields []string
	var args []any
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if patch.Name != nil {
		set("name", *patch.Name)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.ValueStatement != nil {
		set("value_statement", *patch.ValueStatement)
	}
	if patch.Status != nil {
		set("status", *patch.Status)
	}
	if patch.HealthCalculationType != nil {
		set("health_calculation_type", *patch.HealthCalculationType)
	}
	if patch.ManualStatusColor != nil {
		set("manual_status_color", nullable(*patch.ManualStatusColor))
	}
	if patch.BudgetAllocated != nil {
		set("budget_allocated", *patch.BudgetAllocated)
	}
	if patch.BudgetSpent != nil {
		set("budget_spent", *patch.BudgetSpent)
	}
	if patch.Owner != nil {
		set("owner", *patch.Owner)
	}
	if len(fields) == 0 {
		return nil
	}
	set("updated_at", updatedAt)
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DerivedFields is the advisory write-back cache of the duration math.
// Nil pointers clear the columns (no milestones with valid dates).
type DerivedFields struct {
	CalculatedStartDate  *string
	CalculatedEndDate    *string
	TotalDays            *int
	TotalDaysRemaining   *int
	WorkingDaysRemaining *int
}

func (r Repo) UpdateProjectDerived(ctx context.Context, tx *sql.Tx, id string, d DerivedFields, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET calculated_start_date=?, calculated_end_date=?, total_days=?, total_days_remaining=?, working_days_remaining=?, updated_at=? WHERE id=?`,
		nullableStringPtr(d.CalculatedStartDate), nullableStringPtr(d.CalculatedEndDate),
		nullableIntPtr(d.TotalDays), nullableIntPtr(d.TotalDaysRemaining), nullableIntPtr(d.WorkingDaysRemaining),
		updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`, projectID, string(payload), now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return cfg, nil
}

const milestoneColumns = `id,project_id,name,date,completion,weight,status,notes,created_at,updated_at`

func scanMilestone(row rowScanner) (domain.Milestone, error) {
	var m domain.Milestone
	var date, status sql.NullString
	var weight sql.NullInt64
	err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &date, &m.Completion, &weight, &status, &m.Notes, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if date.Valid {
		m.Date = &date.String
	}
	if weight.Valid {
		v := int(weight.Int64)
		m.Weight = &v
	}
	if status.Valid {
		m.Status = &status.String
	}
	return m, nil
}

func (r Repo) InsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(id,project_id,name,date,completion,weight,status,notes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.Name, nullableStringPtr(m.Date), m.Completion, nullableIntPtr(m.Weight),
		nullableStringPtr(m.Status), m.Notes, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	return scanMilestone(r.DB.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
}

func (r Repo) ListMilestones(ctx context.Context, projectID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE project_id=? ORDER BY date IS NULL, date ASC, created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) ListMilestonesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Milestone, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE project_id=? ORDER BY date IS NULL, date ASC, created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MilestonePatch mirrors ProjectPatch for milestone edits. Date and
// Status accept an empty string to clear the column.
type MilestonePatch struct {
	Name       *string
	Date       *string
	Completion *int
	Weight     *int
	Status     *string
	Notes      *string
}

func (r Repo) UpdateMilestone(ctx context.Context, tx *sql.Tx, id string, patch MilestonePatch, updatedAt string) error {
	var fields []string
	var args []any
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if patch.Name != nil {
		set("name", *patch.Name)
	}
	if patch.Date != nil {
		set("date", nullable(*patch.Date))
	}
	if patch.Completion != nil {
		set("completion", *patch.Completion)
	}
	if patch.Weight != nil {
		set("weight", *patch.Weight)
	}
	if patch.Status != nil {
		set("status", nullable(*patch.Status))
	}
	if patch.Notes != nil {
		set("notes", *patch.Notes)
	}
	if len(fields) == 0 {
		return nil
	}
	set("updated_at", updatedAt)
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE milestones SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMilestone(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM milestones WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const riskColumns = `id,project_id,description,impact,mitigation,status,created_at,updated_at`

func scanRisk(row rowScanner) (domain.Risk, error) {
	var rk domain.Risk
	err := row.Scan(&rk.ID, &rk.ProjectID, &rk.Description, &rk.Impact, &rk.Mitigation, &rk.Status, &rk.CreatedAt, &rk.UpdatedAt)
	if err == sql.ErrNoRows {
		return rk, ErrNotFound
	}
	return rk, err
}

func (r Repo) InsertRisk(ctx context.Context, tx *sql.Tx, rk domain.Risk) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO risks(id,project_id,description,impact,mitigation,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		rk.ID, rk.ProjectID, rk.Description, rk.Impact, rk.Mitigation, rk.Status, rk.CreatedAt, rk.UpdatedAt)
	return err
}

func (r Repo) GetRisk(ctx context.Context, id string) (domain.Risk, error) {
	return scanRisk(r.DB.QueryRowContext(ctx, `SELECT `+riskColumns+` FROM risks WHERE id=?`, id))
}

func (r Repo) ListRisks(ctx context.Context, projectID string) ([]domain.Risk, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+riskColumns+` FROM risks WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Risk
	for rows.Next() {
		rk, err := scanRisk(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rk)
	}
	return res, rows.Err()
}

type RiskPatch struct {
	Description *string
	Impact      *string
	Mitigation  *string
	Status      *string
}

func (r Repo) UpdateRisk(ctx context.Context, tx *sql.Tx, id string, patch RiskPatch, updatedAt string) error {
	var fields []string
	var args []any
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if patch.Description != nil {
		set("description", *patch.Description)
	}
	if patch.Impact != nil {
		set("impact", *patch.Impact)
	}
	if patch.Mitigation != nil {
		set("mitigation", *patch.Mitigation)
	}
	if patch.Status != nil {
		set("status", *patch.Status)
	}
	if len(fields) == 0 {
		return nil
	}
	set("updated_at", updatedAt)
	args = append(args, id)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE risks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRisk(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM risks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertAccomplishment(ctx context.Context, tx *sql.Tx, a domain.Accomplishment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accomplishments(id,project_id,description,created_at) VALUES (?,?,?,?)`,
		a.ID, a.ProjectID, a.Description, a.CreatedAt)
	return err
}

func (r Repo) ListAccomplishments(ctx context.Context, projectID string) ([]domain.Accomplishment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,description,created_at FROM accomplishments WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Accomplishment
	for rows.Next() {
		var a domain.Accomplishment
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Description, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) DeleteAccomplishment(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM accomplishments WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
