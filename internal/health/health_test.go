package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseboard/internal/domain"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ms(date string, completion int, weight int) domain.Milestone {
	m := domain.Milestone{Name: "m-" + date, Completion: completion}
	if date != "" {
		m.Date = strPtr(date)
	}
	if weight != 0 {
		m.Weight = intPtr(weight)
	}
	return m
}

func TestDeriveDurationNullPropagation(t *testing.T) {
	assert.Nil(t, DeriveDuration(nil))
	assert.Nil(t, DeriveDuration([]domain.Milestone{}))
	assert.Nil(t, DeriveDuration([]domain.Milestone{{Name: "no date"}}))
	assert.Nil(t, DeriveDuration([]domain.Milestone{{Name: "bad", Date: strPtr("not-a-date")}}))

	// A dateless milestone must not disturb min/max over the dated ones.
	d := DeriveDuration([]domain.Milestone{
		ms("2025-02-10", 0, 0),
		{Name: "undated"},
		ms("2025-01-01", 0, 0),
	})
	require.NotNil(t, d)
	assert.Equal(t, day("2025-01-01"), d.StartDate)
	assert.Equal(t, day("2025-02-10"), d.EndDate)
	assert.Equal(t, 41, d.TotalDays)
}

func TestDeriveDurationSingleDate(t *testing.T) {
	d := DeriveDuration([]domain.Milestone{ms("2025-03-15", 50, 0)})
	require.NotNil(t, d)
	assert.Equal(t, d.StartDate, d.EndDate)
	assert.Equal(t, 1, d.TotalDays)
}

func TestWorkingDaysMondayToFriday(t *testing.T) {
	// 2025-01-06 is a Monday, 2025-01-10 the following Friday.
	d := DeriveDuration([]domain.Milestone{
		ms("2025-01-06", 0, 0),
		ms("2025-01-10", 0, 0),
	})
	require.NotNil(t, d)
	assert.Equal(t, 5, d.TotalDays)
	assert.Equal(t, 5, d.WorkingDays)

	// Extending over the weekend adds calendar days but no working days.
	d = DeriveDuration([]domain.Milestone{
		ms("2025-01-06", 0, 0),
		ms("2025-01-12", 0, 0),
	})
	require.NotNil(t, d)
	assert.Equal(t, 7, d.TotalDays)
	assert.Equal(t, 5, d.WorkingDays)
}

func TestWeightedCompletion(t *testing.T) {
	assert.Equal(t, 0, WeightedCompletion(nil, DefaultWeight))
	assert.Equal(t, 0, WeightedCompletion([]domain.Milestone{}, DefaultWeight))

	got := WeightedCompletion([]domain.Milestone{
		{Completion: 50, Weight: intPtr(1)},
		{Completion: 100, Weight: intPtr(3)},
	}, DefaultWeight)
	assert.Equal(t, 88, got, "round((50*1+100*3)/4) rounds half up")
}

func TestWeightedCompletionDefaultsAndClamping(t *testing.T) {
	// Missing and non-positive weights both fall back to the default.
	got := WeightedCompletion([]domain.Milestone{
		{Completion: 100},
		{Completion: 0, Weight: intPtr(-5)},
	}, DefaultWeight)
	assert.Equal(t, 50, got)

	// Out-of-range completion is clamped, not rejected.
	got = WeightedCompletion([]domain.Milestone{
		{Completion: 250},
		{Completion: -10},
	}, DefaultWeight)
	assert.Equal(t, 50, got)
}

func TestRemainingTimeClamping(t *testing.T) {
	assert.Nil(t, RemainingTime(day("2025-01-01"), nil))

	d := &Duration{
		StartDate: day("2026-01-01"),
		EndDate:   day("2026-06-01"),
		TotalDays: 152,
	}
	r := RemainingTime(day("2025-01-01"), d)
	require.NotNil(t, r)
	assert.Equal(t, 100, r.Percentage, "future project reports exactly 100, never a raw ratio above it")
	assert.True(t, r.ProjectStartsInFuture)
	assert.False(t, r.IsOverdue)
}

func TestRemainingTimeOverdue(t *testing.T) {
	d := &Duration{
		StartDate: day("2024-01-01"),
		EndDate:   day("2024-06-01"),
		TotalDays: 153,
	}
	r := RemainingTime(day("2025-03-01"), d)
	require.NotNil(t, r)
	assert.Equal(t, 0, r.Percentage)
	assert.True(t, r.IsOverdue)
	assert.False(t, r.ProjectStartsInFuture)
}

func TestRemainingTimeWithinRange(t *testing.T) {
	d := &Duration{
		StartDate: day("2025-01-01"),
		EndDate:   day("2025-06-01"),
		TotalDays: 152,
	}
	r := RemainingTime(day("2025-03-01"), d)
	require.NotNil(t, r)
	// 93 inclusive days remain out of 152.
	assert.Equal(t, 61, r.Percentage)
	assert.False(t, r.ProjectStartsInFuture)
	assert.False(t, r.IsOverdue)

	// Property check across the whole range: never outside [0,100].
	for today := d.StartDate.AddDate(0, 0, -30); today.Before(d.EndDate.AddDate(0, 0, 30)); today = today.AddDate(0, 0, 1) {
		r := RemainingTime(today, d)
		require.NotNil(t, r)
		assert.GreaterOrEqual(t, r.Percentage, 0)
		assert.LessOrEqual(t, r.Percentage, 100)
	}
}

func TestRemainingDays(t *testing.T) {
	d := DeriveDuration([]domain.Milestone{
		ms("2025-01-06", 0, 0),
		ms("2025-01-12", 0, 0),
	})
	require.NotNil(t, d)

	total, working := RemainingDays(day("2025-01-01"), d)
	assert.Equal(t, d.TotalDays, total)
	assert.Equal(t, d.WorkingDays, working)

	total, working = RemainingDays(day("2025-02-01"), d)
	assert.Equal(t, 0, total)
	assert.Equal(t, 0, working)

	total, working = RemainingDays(day("2025-01-10"), d)
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, working)
}

func TestClassifyManualOverridePrecedence(t *testing.T) {
	p := domain.Project{
		Status:                "active",
		HealthCalculationType: CalculationManual,
		ManualStatusColor:     strPtr(ColorRed),
	}
	// Milestones that would classify green automatically.
	milestones := []domain.Milestone{ms("2099-01-01", 100, 0), ms("2099-06-01", 100, 0)}

	c := Classify(p, milestones, day("2025-01-01"), Options{})
	assert.Equal(t, ColorRed, c.Color)
	assert.Equal(t, CalculationManual, c.CalculationType)
	// Metrics still computed for display.
	assert.Equal(t, 100, c.Metrics.WeightedCompletion)
	require.NotNil(t, c.Metrics.TimeRemainingPercentage)
	assert.Equal(t, 100, *c.Metrics.TimeRemainingPercentage)
}

func TestClassifyManualDefaultsGreen(t *testing.T) {
	p := domain.Project{Status: "active", HealthCalculationType: CalculationManual}
	c := Classify(p, nil, day("2025-01-01"), Options{})
	assert.Equal(t, ColorGreen, c.Color)
	assert.Equal(t, CalculationManual, c.CalculationType)
}

func TestClassifyInsufficientData(t *testing.T) {
	p := domain.Project{Status: "active", HealthCalculationType: CalculationAutomatic}
	c := Classify(p, []domain.Milestone{{Name: "undated", Completion: 40}}, day("2025-01-01"), Options{})
	assert.Equal(t, ColorYellow, c.Color)
	assert.Equal(t, CalculationAutomatic, c.CalculationType)
	assert.Contains(t, c.Reasoning, "insufficient milestone data")
	assert.Equal(t, 40, c.Metrics.WeightedCompletion)
	assert.Nil(t, c.Metrics.TotalDays)
	assert.NotEmpty(t, c.Recommendations)
}

func TestClassifyEndToEnd(t *testing.T) {
	p := domain.Project{Status: "active", HealthCalculationType: CalculationAutomatic}
	milestones := []domain.Milestone{
		ms("2025-01-01", 100, 3),
		ms("2025-06-01", 0, 3),
	}

	c := Classify(p, milestones, day("2025-03-01"), Options{})
	assert.Equal(t, CalculationAutomatic, c.CalculationType)
	assert.Equal(t, 50, c.Metrics.WeightedCompletion)
	require.NotNil(t, c.Metrics.TotalDays)
	assert.Equal(t, 152, *c.Metrics.TotalDays)
	require.NotNil(t, c.Metrics.TimeRemainingPercentage)
	assert.Equal(t, 61, *c.Metrics.TimeRemainingPercentage)
	// Expected progress is 39, so completion 50 is ahead of schedule.
	assert.Equal(t, ColorGreen, c.Color)

	// Two months later the picture has flipped: only 32 of 152 days
	// remain (expected progress 79), so completion 50 trails badly.
	c = Classify(p, milestones, day("2025-05-01"), Options{})
	assert.Equal(t, ColorRed, c.Color)
	assert.Contains(t, c.Recommendations[0], "trailing schedule")
}

func TestClassifyYellowWithinMargin(t *testing.T) {
	p := domain.Project{Status: "active", HealthCalculationType: CalculationAutomatic}
	milestones := []domain.Milestone{
		ms("2025-01-01", 70, 3),
		ms("2025-06-01", 30, 3),
	}

	// today=2025-03-01: expected progress 39, completion 50 -> green.
	// today=2025-04-10: 53 days remain, timeRemaining=35, expected 65,
	// completion 50 trails by 15 exactly -> red at the default margin.
	c := Classify(p, milestones, day("2025-04-10"), Options{})
	assert.Equal(t, ColorRed, c.Color)

	// One day earlier the gap is 14, inside the margin -> yellow.
	c = Classify(p, milestones, day("2025-04-09"), Options{})
	assert.Equal(t, ColorYellow, c.Color)

	// A wider configured margin turns the same trailing gap yellow.
	c = Classify(p, milestones, day("2025-04-10"), Options{AtRiskMargin: 20})
	assert.Equal(t, ColorYellow, c.Color)
}

func TestClassifyOverdueIncomplete(t *testing.T) {
	p := domain.Project{Status: "active", HealthCalculationType: CalculationAutomatic}
	milestones := []domain.Milestone{
		ms("2024-01-01", 100, 0),
		ms("2024-06-01", 50, 0),
	}

	c := Classify(p, milestones, day("2025-01-01"), Options{})
	assert.Equal(t, ColorRed, c.Color)
	assert.Contains(t, c.Reasoning, "overdue")
	assert.True(t, c.Metrics.IsOverdue)

	// Per-milestone overdue lines name the incomplete milestone only.
	joined := ""
	for _, r := range c.Recommendations {
		joined += r + "\n"
	}
	assert.Contains(t, joined, "m-2024-06-01")
	assert.NotContains(t, joined, `"m-2024-01-01"`)
}

func TestClassifyOverdueButComplete(t *testing.T) {
	p := domain.Project{Status: "active", HealthCalculationType: CalculationAutomatic}
	milestones := []domain.Milestone{
		ms("2024-01-01", 100, 0),
		ms("2024-06-01", 100, 0),
	}
	c := Classify(p, milestones, day("2025-01-01"), Options{})
	assert.Equal(t, ColorGreen, c.Color)
}

func TestClassifySettledProjectsSuppressRecommendations(t *testing.T) {
	milestones := []domain.Milestone{
		ms("2024-01-01", 100, 0),
		ms("2024-06-01", 10, 0),
	}
	for _, status := range []string{"completed", "cancelled"} {
		p := domain.Project{Status: status, HealthCalculationType: CalculationAutomatic}
		c := Classify(p, milestones, day("2025-01-01"), Options{})
		assert.Equal(t, ColorRed, c.Color, status)
		assert.Empty(t, c.Recommendations, status)
	}
}

func TestClassifyAdvisoryStatusNeverOverridesCompletion(t *testing.T) {
	p := domain.Project{Status: "active", HealthCalculationType: CalculationAutomatic}
	milestones := []domain.Milestone{
		{Name: "a", Date: strPtr("2025-01-01"), Completion: 100, Status: strPtr(ColorRed)},
		{Name: "b", Date: strPtr("2099-01-01"), Completion: 100, Status: strPtr(ColorRed)},
	}
	c := Classify(p, milestones, day("2025-06-01"), Options{})
	assert.Equal(t, ColorGreen, c.Color)
}
