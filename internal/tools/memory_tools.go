package tools

import (
	"context"
	"errors"
)

var errMemoryUnavailable = errors.New("memory is not configured")

type saveMemoryArgs struct {
	Text     string `json:"text" jsonschema_description:"The content to save."`
	UserID   string `json:"user_id" jsonschema_description:"The numeric ID provided in the context (e.g., '123456789')."`
	Category string `json:"category,omitempty" jsonschema_description:"Optional category for the memory. Defaults to 'general'."`
}

type searchMemoryArgs struct {
	Query  string `json:"query" jsonschema_description:"What to look for."`
	UserID string `json:"user_id" jsonschema_description:"The numeric ID provided in the context."`
}

func saveMemoryTool(svc MemoryService) *Tool {
	return Define("save_memory",
		"Saves important information about the user for later recall.",
		func(ctx context.Context, args saveMemoryArgs) (string, error) {
			if svc == nil {
				return "", errMemoryUnavailable
			}
			return svc.Save(ctx, CleanUserID(args.UserID), args.Text, args.Category), nil
		})
}

func searchMemoryTool(svc MemoryService, threshold float64, limit int) *Tool {
	return Define("search_memory",
		"Searches past notes saved for the user.",
		func(ctx context.Context, args searchMemoryArgs) (string, error) {
			if svc == nil {
				return "", errMemoryUnavailable
			}
			return svc.Search(ctx, CleanUserID(args.UserID), args.Query, threshold, limit), nil
		})
}
