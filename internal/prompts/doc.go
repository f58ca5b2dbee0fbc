// Package prompts contains the LLM prompt templates used by Gestella.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests.
// User-facing configuration (bot name, personality, location) lives in
// config.yaml and is passed in by the caller.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
