package agent

import (
	"unicode/utf8"

	"github.com/khairulanwarjo/gestella/internal/llm"
)

// VacuumScope bounds how far back the short-answer lookback reaches.
type VacuumScope string

const (
	// ScopeThread considers the whole conversation history. Default.
	ScopeThread VacuumScope = "thread"
	// ScopeTurn only considers messages after the latest user message.
	ScopeTurn VacuumScope = "turn"
)

// vacuum returns a replacement for answer when answer is shorter than
// threshold runes: the most recent assistant or tool message in
// messages[from:] that is longer than threshold runes. ok is false
// when answer stands.
func vacuum(messages []llm.Message, answer string, threshold, from int) (string, bool) {
	if threshold <= 0 || utf8.RuneCountInString(answer) >= threshold {
		return answer, false
	}
	if from < 0 {
		from = 0
	}
	for i := len(messages) - 1; i >= from; i-- {
		m := messages[i]
		if m.Role != llm.RoleAssistant && m.Role != llm.RoleTool {
			continue
		}
		if utf8.RuneCountInString(m.Content) > threshold {
			return m.Content, true
		}
	}
	return answer, false
}
