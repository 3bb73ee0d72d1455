// Package classify maps a finished contact attempt onto a risk level.
package classify

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
)

const ReasonUnreachable = "unreachable"

// Input is everything the classifier looks at. It never reads storage.
type Input struct {
	Outcome  domain.Outcome
	Findings []string
	Critical []string
	Warning  []string
	// MatchMode is config.MatchSubstring (default) or config.MatchKeyword.
	MatchMode string
}

// Classify is deterministic: the same input always yields the same output.
// Unreachable outcomes are WARNING; the caller escalates once retries run out.
func Classify(in Input) domain.RiskClassification {
	if in.Outcome.Unreachable() {
		return domain.RiskClassification{
			Level:      domain.RiskWarning,
			Reason:     ReasonUnreachable + " (" + string(in.Outcome) + ")",
			Confidence: 1,
		}
	}
	match := matchSubstring
	if in.MatchMode == config.MatchKeyword {
		match = matchKeyword
	}
	critical := matched(in.Findings, in.Critical, match)
	warning := matched(in.Findings, in.Warning, match)
	switch {
	case len(critical) > 0:
		return domain.RiskClassification{
			Level:      domain.RiskCritical,
			Reason:     "critical signals: " + strings.Join(critical, ", "),
			Confidence: 1,
			Findings:   append(critical, warning...),
		}
	case len(warning) > 0:
		return domain.RiskClassification{
			Level:      domain.RiskWarning,
			Reason:     "warning signals: " + strings.Join(warning, ", "),
			Confidence: 1,
			Findings:   warning,
		}
	}
	c := domain.RiskClassification{Level: domain.RiskSafe, Reason: "no risk signals matched", Confidence: 0.8}
	if len(nonEmpty(in.Findings)) == 0 {
		c.Reason = "no findings reported"
		c.Confidence = 0.6
	}
	return c
}

// Unreachable is the forced classification once every attempt for a slot failed.
func Unreachable(attempts int) domain.RiskClassification {
	return domain.RiskClassification{
		Level:      domain.RiskCritical,
		Reason:     UnreachableReason(attempts),
		Confidence: 1,
	}
}

func UnreachableReason(attempts int) string {
	if attempts == 1 {
		return "unreachable after 1 attempt"
	}
	return fmt.Sprintf("unreachable after %d attempts", attempts)
}

// matched returns the signals found in any finding, deduplicated and sorted.
func matched(findings, signals []string, match func(finding, signal string) bool) []string {
	seen := map[string]struct{}{}
	for _, sig := range signals {
		s := strings.TrimSpace(sig)
		if s == "" {
			continue
		}
		for _, f := range findings {
			if match(f, s) {
				seen[s] = struct{}{}
				break
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func matchSubstring(finding, signal string) bool {
	return strings.Contains(strings.ToLower(finding), strings.ToLower(signal))
}

// matchKeyword requires the signal's words to appear as a contiguous run of
// whole words in the finding.
func matchKeyword(finding, signal string) bool {
	fw := words(finding)
	sw := words(signal)
	if len(sw) == 0 || len(sw) > len(fw) {
		return false
	}
	for i := 0; i+len(sw) <= len(fw); i++ {
		ok := true
		for j := range sw {
			if fw[i+j] != sw[j] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
