package llmcore

import (
	"encoding/json"
	"strings"
)

const parseSnippetLen = 120

// ParseJSONObject extracts a JSON object from model output. It tolerates a
// surrounding markdown code fence and prose before the first '{' or after
// the last '}'. Anything else fails with a ResponseParseError.
func ParseJSONObject(text string) (map[string]any, error) {
	s := stripCodeFence(strings.TrimSpace(text))

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, &ResponseParseError{
			SDKError: SDKError{Message: "no JSON object found"},
			Snippet:  snippet(text),
		}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return nil, &ResponseParseError{
			SDKError: SDKError{Message: "invalid JSON object", Cause: err},
			Snippet:  snippet(text),
		}
	}
	return obj, nil
}

// stripCodeFence removes a leading ``` or ```lang line and a trailing ```.
func stripCodeFence(s string) string {
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= parseSnippetLen {
		return s
	}
	return s[:parseSnippetLen] + "..."
}
