package tools

import "context"

type analyzeMeetingArgs struct {
	Transcript string `json:"transcript" jsonschema_description:"The full meeting transcript or long notes to analyze."`
}

func analyzeMeetingTool(a MeetingAnalyzer) *Tool {
	return Define("analyze_meeting",
		"Analyzes a long meeting transcript and produces a structured 'Notion-style' minute report. "+
			"Use this when the user asks to 'summarize meeting', 'debrief', or 'create notes' from a long text/voice.",
		func(ctx context.Context, args analyzeMeetingArgs) (string, error) {
			if a == nil {
				return "Error analyzing meeting: analyzer is not configured", nil
			}
			report, err := a.Analyze(ctx, args.Transcript)
			if err != nil {
				return "Error analyzing meeting: " + err.Error(), nil
			}
			return report, nil
		})
}
