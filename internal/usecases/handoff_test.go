package usecases

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rkromero/PlataformaChatIA/internal/entities"
)

func TestEvaluateHandoff(t *testing.T) {
	rules := entities.HandoffRules{Keywords: []string{"asesor", "humano"}, HandoffTag: "human_handoff"}

	tests := []struct {
		name string
		text string
		want HandoffDecision
	}{
		{name: "keyword in sentence", text: "quiero hablar con un asesor", want: Handoff},
		{name: "case insensitive", text: "Necesito un HUMANO ya", want: Handoff},
		{name: "substring match", text: "asesores disponibles?", want: Handoff},
		{name: "no keyword", text: "¿cuánto sale el envío?", want: Continue},
		{name: "empty text", text: "", want: Continue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateHandoff(tt.text, rules))
		})
	}
}

func TestEvaluateHandoff_IgnoresBlankKeywords(t *testing.T) {
	rules := entities.HandoffRules{Keywords: []string{"", "  "}}
	assert.Equal(t, Continue, EvaluateHandoff("hola", rules))
	assert.Equal(t, Continue, EvaluateHandoff("hola", entities.HandoffRules{}))
}
