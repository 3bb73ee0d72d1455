package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
)

var (
	critical = []string{"chest pain", "shortness of breath"}
	warning  = []string{"dizzy", "missed dose"}
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		in         Input
		level      domain.RiskLevel
		reason     string
		confidence float64
	}{
		{
			name:       "critical wins over warning",
			in:         Input{Outcome: domain.OutcomeCompleted, Findings: []string{"felt dizzy", "Chest Pain at night"}},
			level:      domain.RiskCritical,
			reason:     "critical signals: chest pain",
			confidence: 1,
		},
		{
			name:       "warning only",
			in:         Input{Outcome: domain.OutcomeCompleted, Findings: []string{"missed dose yesterday", "a bit dizzy"}},
			level:      domain.RiskWarning,
			reason:     "warning signals: dizzy, missed dose",
			confidence: 1,
		},
		{
			name:       "findings without signals",
			in:         Input{Outcome: domain.OutcomeCompleted, Findings: []string{"feeling fine"}},
			level:      domain.RiskSafe,
			reason:     "no risk signals matched",
			confidence: 0.8,
		},
		{
			name:       "no findings",
			in:         Input{Outcome: domain.OutcomeCompleted, Findings: []string{"  "}},
			level:      domain.RiskSafe,
			reason:     "no findings reported",
			confidence: 0.6,
		},
		{
			name:       "unreachable outcome",
			in:         Input{Outcome: domain.OutcomeBusy, Findings: []string{"chest pain"}},
			level:      domain.RiskWarning,
			reason:     "unreachable (busy)",
			confidence: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.Critical = critical
			tc.in.Warning = warning
			got := Classify(tc.in)
			assert.Equal(t, tc.level, got.Level)
			assert.Equal(t, tc.reason, got.Reason)
			assert.InDelta(t, tc.confidence, got.Confidence, 0.0001)
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	in := Input{
		Outcome:  domain.OutcomeCompleted,
		Findings: []string{"shortness of breath", "chest pain", "dizzy"},
		Critical: critical,
		Warning:  warning,
	}
	first := Classify(in)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Classify(in))
	}
	assert.Equal(t, []string{"chest pain", "shortness of breath", "dizzy"}, first.Findings)
}

func TestKeywordModeMatchesWholeWords(t *testing.T) {
	in := Input{
		Outcome:   domain.OutcomeCompleted,
		Findings:  []string{"the painkillers helped"},
		Critical:  []string{"pain"},
		MatchMode: config.MatchSubstring,
	}
	assert.Equal(t, domain.RiskCritical, Classify(in).Level)

	in.MatchMode = config.MatchKeyword
	assert.Equal(t, domain.RiskSafe, Classify(in).Level)

	in.Findings = []string{"sharp chest-pain, since noon"}
	in.Critical = []string{"chest pain"}
	assert.Equal(t, domain.RiskCritical, Classify(in).Level)
}

func TestUnreachable(t *testing.T) {
	c := Unreachable(3)
	assert.Equal(t, domain.RiskCritical, c.Level)
	assert.Equal(t, "unreachable after 3 attempts", c.Reason)
	assert.Equal(t, "unreachable after 1 attempt", UnreachableReason(1))
}
