package permission

import (
	"fmt"
	"sort"
	"strings"
)

// SummarizeInput renders a one-line summary of a tool input for prompts.
func SummarizeInput(tool string, input map[string]any) string {
	if len(input) == 0 {
		return ""
	}

	switch tool {
	case "Read", "Write", "Edit":
		if v, ok := input["file_path"]; ok {
			return "File: " + clip(v, 120)
		}
	case "Bash":
		if v, ok := input["command"]; ok {
			return "Command: " + clip(v, 160)
		}
	case "WebFetch":
		if v, ok := input["url"]; ok {
			return "URL: " + clip(v, 180)
		}
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys[0] + ": " + clip(input[keys[0]], 120)
}

func clip(v any, limit int) string {
	text := strings.Join(strings.Fields(fmt.Sprint(v)), " ")
	if r := []rune(text); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return text
}
