// Package tools implements the session tool surface: the registry that
// dispatches validated calls, and one implementation per manifest entry.
// Tools are constructed per session against that session's workspace.
package tools

import "context"

// Tool is one callable tool implementation.
type Tool interface {
	Name() string
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// intArg tolerates the float64 that JSON decoding produces.
func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func floatArg(args map[string]interface{}, key string, fallback float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}
