package usecases

import (
	"strings"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

type HandoffDecision int

const (
	Continue HandoffDecision = iota
	Handoff
)

// EvaluateHandoff reports whether text asks for a human: any configured
// keyword appearing in it, ignoring case. Blank keywords never match.
func EvaluateHandoff(text string, rules entities.HandoffRules) HandoffDecision {
	lower := strings.ToLower(text)
	for _, kw := range rules.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			return Handoff
		}
	}
	return Continue
}
