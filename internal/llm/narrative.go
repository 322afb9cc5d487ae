package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pulseboard/internal/domain"
	"pulseboard/internal/health"
)

// Narrative generates status-sheet prose from project data. It is a
// thin prompt layer over a Client; all project facts are supplied by
// the caller, never fetched here.
type Narrative struct {
	Client Client
}

// MilestoneSuggestion is one AI-proposed milestone.
type MilestoneSuggestion struct {
	Name   string `json:"name"`
	Date   string `json:"date"`
	Weight int    `json:"weight"`
}

const progressRule = "Completion percentages are the authoritative measure of progress; ignore any advisory status tags on milestones."

func milestoneLines(milestones []domain.Milestone) string {
	if len(milestones) == 0 {
		return "(no milestones)"
	}
	var b strings.Builder
	for _, m := range milestones {
		date := "no date"
		if m.Date != nil {
			date = *m.Date
		}
		fmt.Fprintf(&b, "- %s (%s, %d%% complete)\n", m.Name, date, m.Completion)
	}
	return b.String()
}

// Description drafts a short project description.
func (n Narrative) Description(ctx context.Context, p domain.Project, milestones []domain.Milestone) (string, error) {
	resp, err := n.Client.Generate(ctx, GenerateRequest{
		Task:         TaskDescription,
		SystemPrompt: "You write concise project descriptions for status dashboards. Two to three sentences, plain language, no headings. " + progressRule,
		UserPrompt: fmt.Sprintf("Project: %s\nCurrent description: %s\nMilestones:\n%s\nWrite an improved description.",
			p.Name, p.Description, milestoneLines(milestones)),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// ValueStatement drafts a one-sentence statement of business value.
func (n Narrative) ValueStatement(ctx context.Context, p domain.Project) (string, error) {
	resp, err := n.Client.Generate(ctx, GenerateRequest{
		Task:         TaskValueStatement,
		SystemPrompt: "You write single-sentence value statements explaining why a project matters to the business.",
		UserPrompt: fmt.Sprintf("Project: %s\nDescription: %s\nWrite the value statement.",
			p.Name, p.Description),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// SuggestMilestones proposes milestones as structured data. The model
// must answer with a JSON array; anything else maps to ErrInvalidOutput.
func (n Narrative) SuggestMilestones(ctx context.Context, p domain.Project, milestones []domain.Milestone) ([]MilestoneSuggestion, error) {
	resp, err := n.Client.Generate(ctx, GenerateRequest{
		Task: TaskMilestoneSuggest,
		SystemPrompt: `You plan project milestones. Respond with only a JSON array, no prose. Each element: {"name": string, "date": "YYYY-MM-DD", "weight": integer 1-5}.`,
		UserPrompt: fmt.Sprintf("Project: %s\nDescription: %s\nExisting milestones:\n%s\nSuggest up to five additional milestones.",
			p.Name, p.Description, milestoneLines(milestones)),
	})
	if err != nil {
		return nil, err
	}
	text := stripCodeFence(resp.Text)
	var suggestions []MilestoneSuggestion
	if err := json.Unmarshal([]byte(text), &suggestions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	for _, s := range suggestions {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: suggestion missing name", ErrInvalidOutput)
		}
	}
	return suggestions, nil
}

// ExecutiveSummary drafts a short narrative over the whole status sheet.
func (n Narrative) ExecutiveSummary(ctx context.Context, p domain.Project, milestones []domain.Milestone, risks []domain.Risk, accomplishments []domain.Accomplishment, c health.Classification) (string, error) {
	var facts strings.Builder
	fmt.Fprintf(&facts, "Project: %s (status %s)\n", p.Name, p.Status)
	fmt.Fprintf(&facts, "Health: %s (%s)\n", c.Color, c.Reasoning)
	fmt.Fprintf(&facts, "Weighted completion: %d%%\n", c.Metrics.WeightedCompletion)
	facts.WriteString("Milestones:\n" + milestoneLines(milestones))
	if len(risks) > 0 {
		facts.WriteString("Open risks:\n")
		for _, rk := range risks {
			if rk.Status == "open" {
				fmt.Fprintf(&facts, "- %s (%s impact)\n", rk.Description, rk.Impact)
			}
		}
	}
	if len(accomplishments) > 0 {
		facts.WriteString("Recent accomplishments:\n")
		for _, a := range accomplishments {
			fmt.Fprintf(&facts, "- %s\n", a.Description)
		}
	}
	resp, err := n.Client.Generate(ctx, GenerateRequest{
		Task:         TaskExecutiveSummary,
		SystemPrompt: "You write executive summaries of project status for leadership. One short paragraph, factual, no bullet points. " + progressRule,
		UserPrompt:   facts.String() + "\nWrite the executive summary.",
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// stripCodeFence unwraps ```json ... ``` blocks some models emit even
// when asked for bare JSON.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
