package agentic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryAnalyzer_Intent(t *testing.T) {
	qa := NewQueryAnalyzer()
	cases := []struct {
		query string
		want  Intent
	}{
		{"what is the refund policy", IntentFactual},
		{"Who approved the budget?", IntentFactual},
		{"compare postgres versus mysql replication", IntentComparative},
		{"difference between sprint review and retro", IntentComparative},
		{"how to configure sso for the dashboard", IntentProcedural},
		{"onboarding notes", IntentExploratory},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			assert.Equal(t, tc.want, qa.Analyze(tc.query).Intent)
		})
	}
}

func TestQueryAnalyzer_TermsAndPhrases(t *testing.T) {
	q := NewQueryAnalyzer().Analyze(`What is the "release train" schedule, and the schedule owner?`)
	assert.Equal(t, []string{"release train"}, q.Phrases)
	assert.Equal(t, []string{"release", "train", "schedule", "owner"}, q.Terms)
}

func TestQueryAnalyzer_Complexity(t *testing.T) {
	qa := NewQueryAnalyzer()

	simple := qa.Analyze("what is the refund policy")
	assert.Equal(t, ComplexitySimple, simple.Complexity)
	assert.Equal(t, []string{"what is the refund policy"}, simple.Parts)

	moderate := qa.Analyze("compare postgres versus mysql replication")
	assert.Equal(t, ComplexityModerate, moderate.Complexity)
	assert.Equal(t, []string{"compare postgres", "mysql replication"}, moderate.Parts)

	hard := qa.Analyze("What changed in the Q3 roadmap? Who owns the billing migration; and when does it ship")
	assert.Equal(t, ComplexityComplex, hard.Complexity)
	assert.Equal(t, []string{"What changed in the Q3 roadmap", "Who owns the billing migration", "when does it ship"}, hard.Parts)
}

func TestQueryAnalyzer_PhrasesAreNotSplit(t *testing.T) {
	q := NewQueryAnalyzer().Analyze(`"pros and cons" of remote work`)
	assert.Equal(t, []string{`"pros and cons" of remote work`}, q.Parts)
}

func TestDecomposer(t *testing.T) {
	qa := NewQueryAnalyzer()
	var d Decomposer

	assert.Equal(t, []string{"what is the refund policy"}, d.Decompose(qa.Analyze("what is the refund policy"), 5))

	compound := qa.Analyze("Explain the billing migration and the Q3 roadmap")
	assert.Equal(t, []string{
		"Explain the billing migration and the Q3 roadmap",
		"Explain the billing migration",
		"the Q3 roadmap",
	}, d.Decompose(compound, 5))
	assert.Equal(t, []string{
		"Explain the billing migration and the Q3 roadmap",
		"Explain the billing migration",
	}, d.Decompose(compound, 2))

	long := qa.Analyze("what quarterly revenue churn retention expansion pipeline forecast numbers do we have")
	assert.Equal(t, ComplexityModerate, long.Complexity)
	got := d.Decompose(long, 3)
	assert.Len(t, got, 2)
	assert.Equal(t, "quarterly revenue churn retention expansion pipeline forecast numbers", got[1])

	assert.Len(t, d.Decompose(compound, 0), 1)
}
