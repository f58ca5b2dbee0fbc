package prompts

import "fmt"

// UserIDPrefix is prepended to every inbound message so the model can
// pass the sender's ID to the memory tools.
const UserIDPrefix = "User ID: %s\n\n"

// WithUserID prefixes text with the sender's ID.
func WithUserID(userID, text string) string {
	return fmt.Sprintf(UserIDPrefix, userID) + text
}

// IterationCapFallback is returned when the model keeps calling tools
// past the iteration budget and produced nothing usable along the way.
func IterationCapFallback(maxIterations int) string {
	return fmt.Sprintf("I couldn't finish that within %d steps. Please try again with a simpler request.", maxIterations)
}

// VoiceMeetingPrefix marks a long voice transcript for meeting analysis.
const VoiceMeetingPrefix = "Analyze this meeting: "
