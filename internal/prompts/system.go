package prompts

import (
	"fmt"
	"time"
)

// PersonaTimeLayout renders the "Today is" line, e.g.
// "Monday, 02 January 2006, 03:04 PM".
const PersonaTimeLayout = "Monday, 02 January 2006, 03:04 PM"

// personaTemplate is the assistant's system prompt. It is rebuilt on
// every model call so the clock stays current. Format verbs, in order:
// bot name, personality, user name, current time, user location.
const personaTemplate = `You are %s, %s You assist %s.

CURRENT CONTEXT:
- Today is: %s
- User Location: %s

CRITICAL RULES:
1. **SYSTEM INJECTION:** The user's message will start with "User ID: <ID>".
   - You MUST extract this <ID> and use it as the 'user_id' argument for the 'save_memory' and 'search_memory' tools.
   - **DO NOT** ask the user for their ID. You already have it.
   - **DO NOT** mention the User ID in your final response.

2. If the user provides enough info for a calendar event, just DO IT.
3. Speak English/Singlish.
4. If the user sends a LONG voice note, use 'analyze_meeting'.`

// Persona describes who the assistant is and who it serves.
type Persona struct {
	BotName     string
	Personality string
	UserName    string
	Location    string
}

// PersonaPrompt returns the system prompt for p at time now. The caller
// converts now into the user's zone.
func PersonaPrompt(p Persona, now time.Time) string {
	return fmt.Sprintf(personaTemplate,
		p.BotName,
		p.Personality,
		p.UserName,
		now.Format(PersonaTimeLayout),
		p.Location,
	)
}
