package chatbot

import "strings"

// Word groups for escalation detection: the message must name a human
// counterpart and express wanting to reach one. Matching both halves
// keeps "el asesor me dijo ayer" from escalating.
var (
	agentWords  = []string{"agente", "humano", "ventas", "persona", "asesor"}
	intentWords = []string{"hablar", "quiero", "prefiero", "conectar", "contacto"}
)

// Intent is the keyword-based escalation classifier. It satisfies the
// handoff engine's IntentClassifier.
type Intent struct{}

// WantsAgent reports whether text is an explicit request for a human.
func (Intent) WantsAgent(text string) bool {
	lower := strings.ToLower(text)
	return containsAny(lower, agentWords) && containsAny(lower, intentWords)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
