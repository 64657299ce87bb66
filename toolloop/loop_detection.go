package toolloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/martinemde/brandlens/llmcore"
)

// callSignature computes a deterministic signature for a tool call (name +
// hash of arguments). encoding/json sorts map keys, so equal arguments hash
// equally.
func callSignature(tc llmcore.ToolCall) string {
	data, _ := json.Marshal(tc.Arguments)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", tc.Name, h[:8])
}

// detectLoop reports whether the last window signatures follow a repeating
// pattern of length 1, 2 or 3.
func detectLoop(sigs []string, window int) bool {
	if window <= 1 || len(sigs) < window {
		return false
	}
	recent := sigs[len(sigs)-window:]

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if window%patternLen != 0 || window == patternLen {
			continue
		}
		pattern := recent[:patternLen]
		allMatch := true
		for i := patternLen; i < window && allMatch; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if recent[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
