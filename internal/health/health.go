// Package health derives project duration, completion, and a tri-state
// health classification from a snapshot of milestones. All functions are
// pure: the caller supplies "today" explicitly.
package health

import (
	"fmt"
	"math"
	"time"

	"pulseboard/internal/domain"
)

const (
	// DefaultWeight is applied to milestones with a missing or
	// non-positive weight.
	DefaultWeight = 3
	// DefaultAtRiskMargin is how many percentage points completion may
	// trail expected progress before the project is classified red.
	DefaultAtRiskMargin = 15

	dateLayout = "2006-01-02"
)

const (
	ColorGreen  = "green"
	ColorYellow = "yellow"
	ColorRed    = "red"
)

const (
	CalculationAutomatic = "automatic"
	CalculationManual    = "manual"
)

// Options tunes the classification thresholds. Zero values fall back to
// the package defaults.
type Options struct {
	DefaultWeight int
	AtRiskMargin  int
}

func (o Options) defaultWeight() int {
	if o.DefaultWeight > 0 {
		return o.DefaultWeight
	}
	return DefaultWeight
}

func (o Options) atRiskMargin() int {
	if o.AtRiskMargin > 0 {
		return o.AtRiskMargin
	}
	return DefaultAtRiskMargin
}

// Duration is the derived date range of a project. TotalDays and
// WorkingDays are inclusive of both boundary dates.
type Duration struct {
	StartDate   time.Time
	EndDate     time.Time
	TotalDays   int
	WorkingDays int
}

// TimeRemaining reports how much of the project timeline is left.
// Percentage is always within [0,100]: a project that has not started
// reports exactly 100, an overdue project exactly 0.
type TimeRemaining struct {
	Percentage            int
	ProjectStartsInFuture bool
	IsOverdue             bool
}

// Metrics is the uniform shape attached to every classification so
// display code never has to branch on which path produced it.
type Metrics struct {
	WeightedCompletion      int     `json:"weighted_completion"`
	TimeRemainingPercentage *int    `json:"time_remaining_percentage,omitempty"`
	TotalDays               *int    `json:"total_days,omitempty"`
	TotalDaysRemaining      *int    `json:"total_days_remaining,omitempty"`
	WorkingDaysRemaining    *int    `json:"working_days_remaining,omitempty"`
	StartDate               *string `json:"start_date,omitempty"`
	EndDate                 *string `json:"end_date,omitempty"`
	ProjectStartsInFuture   bool    `json:"project_starts_in_future"`
	IsOverdue               bool    `json:"is_overdue"`
}

// Classification is the terminal output of Classify.
type Classification struct {
	Color           string   `json:"color" enum:"green,yellow,red"`
	CalculationType string   `json:"calculation_type" enum:"automatic,manual"`
	Reasoning       string   `json:"reasoning"`
	Metrics         Metrics  `json:"metrics"`
	Recommendations []string `json:"recommendations"`
}

func parseDate(s *string) (time.Time, bool) {
	if s == nil || *s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, *s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// truncateToDay drops the time-of-day portion so day arithmetic is exact.
func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// daysBetween is the number of calendar days from a to b, partial days
// rounding up. Zero when a == b.
func daysBetween(a, b time.Time) int {
	return int(math.Ceil(b.Sub(a).Hours() / 24))
}

func countWorkingDays(start, end time.Time) int {
	n := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
		default:
			n++
		}
	}
	return n
}

// DeriveDuration computes the project date range from milestone dates.
// Milestones with a missing or unparseable date are ignored. Returns nil
// when no valid dates remain; callers must treat that as "duration
// unknown", never as zero.
func DeriveDuration(milestones []domain.Milestone) *Duration {
	var start, end time.Time
	found := false
	for _, m := range milestones {
		d, ok := parseDate(m.Date)
		if !ok {
			continue
		}
		if !found {
			start, end = d, d
			found = true
			continue
		}
		if d.Before(start) {
			start = d
		}
		if d.After(end) {
			end = d
		}
	}
	if !found {
		return nil
	}
	return &Duration{
		StartDate:   start,
		EndDate:     end,
		TotalDays:   daysBetween(start, end) + 1,
		WorkingDays: countWorkingDays(start, end),
	}
}

func effectiveWeight(m domain.Milestone, defaultWeight int) int {
	if m.Weight != nil && *m.Weight > 0 {
		return *m.Weight
	}
	return defaultWeight
}

func clampCompletion(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// WeightedCompletion averages milestone completion percentages weighted
// by importance. An empty milestone list yields 0, a deliberate "no
// progress" default distinct from the nil "no data" of DeriveDuration.
func WeightedCompletion(milestones []domain.Milestone, defaultWeight int) int {
	if defaultWeight <= 0 {
		defaultWeight = DefaultWeight
	}
	sum, weights := 0, 0
	for _, m := range milestones {
		w := effectiveWeight(m, defaultWeight)
		sum += clampCompletion(m.Completion) * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return int(math.Floor(float64(sum)/float64(weights) + 0.5))
}

// RemainingTime computes the percentage of the timeline still ahead of
// today. The future and overdue cases are explicit branches, not clamps
// on the division, so the result can never leave [0,100].
func RemainingTime(today time.Time, d *Duration) *TimeRemaining {
	if d == nil {
		return nil
	}
	day := truncateToDay(today)
	if day.Before(d.StartDate) {
		return &TimeRemaining{Percentage: 100, ProjectStartsInFuture: true}
	}
	if day.After(d.EndDate) {
		return &TimeRemaining{Percentage: 0, IsOverdue: true}
	}
	remaining := daysBetween(day, d.EndDate) + 1
	pct := int(math.Floor(float64(remaining)/float64(d.TotalDays)*100 + 0.5))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return &TimeRemaining{Percentage: pct}
}

// RemainingDays returns the inclusive calendar and working day counts
// from today to the project end. A project not yet started reports its
// full span; an overdue project reports zero.
func RemainingDays(today time.Time, d *Duration) (total, working int) {
	if d == nil {
		return 0, 0
	}
	day := truncateToDay(today)
	if day.Before(d.StartDate) {
		return d.TotalDays, d.WorkingDays
	}
	if day.After(d.EndDate) {
		return 0, 0
	}
	return daysBetween(day, d.EndDate) + 1, countWorkingDays(day, d.EndDate)
}

// Classify combines completion, time remaining, and any manual override
// into a tri-state color with reasoning and recommendations. It never
// fails on malformed milestone data; it degrades to the yellow
// "insufficient milestone data" state instead.
func Classify(p domain.Project, milestones []domain.Milestone, today time.Time, opts Options) Classification {
	duration := DeriveDuration(milestones)
	completion := WeightedCompletion(milestones, opts.defaultWeight())
	remaining := RemainingTime(today, duration)
	metrics := buildMetrics(completion, duration, remaining, today)

	if p.HealthCalculationType == CalculationManual {
		color := ColorGreen
		if p.ManualStatusColor != nil && *p.ManualStatusColor != "" {
			color = *p.ManualStatusColor
		}
		return Classification{
			Color:           color,
			CalculationType: CalculationManual,
			Reasoning:       "health status set manually; automatic calculation is bypassed",
			Metrics:         metrics,
			Recommendations: []string{},
		}
	}

	if duration == nil || remaining == nil {
		return Classification{
			Color:           ColorYellow,
			CalculationType: CalculationAutomatic,
			Reasoning:       "insufficient milestone data: no milestones with valid dates",
			Metrics:         metrics,
			Recommendations: recommendationsFor(p, []string{"add dated milestones so health can be assessed"}),
		}
	}

	expected := 100 - remaining.Percentage
	overdueMilestones := overdueMilestoneNames(milestones, today)

	var color, reasoning string
	var recs []string
	switch {
	case remaining.IsOverdue && completion < 100:
		color = ColorRed
		reasoning = fmt.Sprintf("project is overdue with %d%% completion", completion)
		recs = append(recs, "project end date has passed; re-plan remaining milestones or close out the project")
	case completion >= expected:
		color = ColorGreen
		reasoning = fmt.Sprintf("completion %d%% is on or ahead of expected progress %d%%", completion, expected)
	case expected-completion < opts.atRiskMargin():
		color = ColorYellow
		reasoning = fmt.Sprintf("completion %d%% trails expected progress %d%%", completion, expected)
		recs = append(recs, fmt.Sprintf("completion trailing schedule by %d%%; review milestone progress", expected-completion))
	default:
		color = ColorRed
		reasoning = fmt.Sprintf("completion %d%% trails expected progress %d%% by %d points or more", completion, expected, opts.atRiskMargin())
		recs = append(recs, fmt.Sprintf("completion trailing schedule by %d%%; escalate and re-baseline the plan", expected-completion))
	}
	if n := len(overdueMilestones); n > 0 {
		recs = append(recs, fmt.Sprintf("%d milestones overdue", n))
		for _, name := range overdueMilestones {
			recs = append(recs, fmt.Sprintf("milestone %q is past its date and incomplete", name))
		}
	}

	return Classification{
		Color:           color,
		CalculationType: CalculationAutomatic,
		Reasoning:       reasoning,
		Metrics:         metrics,
		Recommendations: recommendationsFor(p, recs),
	}
}

// recommendationsFor suppresses advisory text for projects whose
// lifecycle is already settled. The color itself is unaffected.
func recommendationsFor(p domain.Project, recs []string) []string {
	if p.Status == "completed" || p.Status == "cancelled" {
		return []string{}
	}
	if recs == nil {
		return []string{}
	}
	return recs
}

func overdueMilestoneNames(milestones []domain.Milestone, today time.Time) []string {
	day := truncateToDay(today)
	var names []string
	for _, m := range milestones {
		d, ok := parseDate(m.Date)
		if !ok {
			continue
		}
		if d.Before(day) && clampCompletion(m.Completion) < 100 {
			names = append(names, m.Name)
		}
	}
	return names
}

func buildMetrics(completion int, d *Duration, r *TimeRemaining, today time.Time) Metrics {
	m := Metrics{WeightedCompletion: completion}
	if d == nil || r == nil {
		return m
	}
	start := d.StartDate.Format(dateLayout)
	end := d.EndDate.Format(dateLayout)
	totalRemaining, workingRemaining := RemainingDays(today, d)
	m.TimeRemainingPercentage = &r.Percentage
	m.TotalDays = &d.TotalDays
	m.TotalDaysRemaining = &totalRemaining
	m.WorkingDaysRemaining = &workingRemaining
	m.StartDate = &start
	m.EndDate = &end
	m.ProjectStartsInFuture = r.ProjectStartsInFuture
	m.IsOverdue = r.IsOverdue
	return m
}
