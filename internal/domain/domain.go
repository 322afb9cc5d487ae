package domain

type Project struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Description           string   `json:"description,omitempty"`
	ValueStatement        string   `json:"value_statement,omitempty"`
	Status                string   `json:"status" enum:"draft,active,on_hold,completed,cancelled"`
	HealthCalculationType string   `json:"health_calculation_type" enum:"automatic,manual"`
	ManualStatusColor     *string  `json:"manual_status_color,omitempty" enum:"green,yellow,red"`
	BudgetAllocated       *float64 `json:"budget_allocated,omitempty"`
	BudgetSpent           *float64 `json:"budget_spent,omitempty"`
	Owner                 string   `json:"owner,omitempty"`
	CalculatedStartDate   *string  `json:"calculated_start_date,omitempty" format:"date"`
	CalculatedEndDate     *string  `json:"calculated_end_date,omitempty" format:"date"`
	TotalDays             *int     `json:"total_days,omitempty"`
	TotalDaysRemaining    *int     `json:"total_days_remaining,omitempty"`
	WorkingDaysRemaining  *int     `json:"working_days_remaining,omitempty"`
	CreatedAt             string   `json:"created_at" format:"date-time"`
	UpdatedAt             string   `json:"updated_at" format:"date-time"`
}

type Milestone struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Name       string  `json:"name"`
	Date       *string `json:"date,omitempty" format:"date"`
	Completion int     `json:"completion"`
	Weight     *int    `json:"weight,omitempty"`
	Status     *string `json:"status,omitempty" enum:"green,yellow,red"`
	Notes      string  `json:"notes,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type Risk struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Description string `json:"description"`
	Impact      string `json:"impact" enum:"low,medium,high"`
	Mitigation  string `json:"mitigation,omitempty"`
	Status      string `json:"status" enum:"open,mitigated,closed"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Accomplishment struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
