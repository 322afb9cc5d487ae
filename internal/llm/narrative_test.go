package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseboard/internal/domain"
)

// fakeClient returns a canned response and records the last request.
type fakeClient struct {
	text string
	err  error
	last GenerateRequest
}

func (f *fakeClient) Generate(_ context.Context, req GenerateRequest) (*GenerateResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &GenerateResponse{Text: f.text, Model: "test"}, nil
}

func (f *fakeClient) Available(context.Context) bool { return true }

func TestNarrativeDescriptionUsesCompletionAuthority(t *testing.T) {
	fc := &fakeClient{text: "  A crisp description.  "}
	n := Narrative{Client: fc}

	date := "2025-03-01"
	got, err := n.Description(context.Background(), domain.Project{Name: "Atlas"}, []domain.Milestone{
		{Name: "kickoff", Date: &date, Completion: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, "A crisp description.", got)
	assert.Equal(t, TaskDescription, fc.last.Task)
	assert.Contains(t, fc.last.SystemPrompt, "authoritative")
	assert.Contains(t, fc.last.UserPrompt, "kickoff (2025-03-01, 100% complete)")
}

func TestSuggestMilestonesParsesJSON(t *testing.T) {
	fc := &fakeClient{text: "```json\n[{\"name\":\"beta\",\"date\":\"2025-09-01\",\"weight\":4}]\n```"}
	n := Narrative{Client: fc}

	got, err := n.SuggestMilestones(context.Background(), domain.Project{Name: "Atlas"}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "beta", got[0].Name)
	assert.Equal(t, "2025-09-01", got[0].Date)
	assert.Equal(t, 4, got[0].Weight)
}

func TestSuggestMilestonesInvalidOutput(t *testing.T) {
	for _, text := range []string{"sure, here are some milestones", `[{"date":"2025-09-01"}]`} {
		fc := &fakeClient{text: text}
		n := Narrative{Client: fc}
		_, err := n.SuggestMilestones(context.Background(), domain.Project{Name: "Atlas"}, nil)
		assert.ErrorIs(t, err, ErrInvalidOutput, text)
	}
}

func TestNarrativePropagatesClientErrors(t *testing.T) {
	fc := &fakeClient{err: ErrUnavailable}
	n := Narrative{Client: fc}
	_, err := n.ValueStatement(context.Background(), domain.Project{Name: "Atlas"})
	assert.ErrorIs(t, err, ErrUnavailable)
}
