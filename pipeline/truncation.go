package pipeline

import (
	"fmt"
	"unicode/utf8"
)

// truncateSnapshot keeps the head and tail of s within maxChars bytes,
// replacing the middle with a marker. Cuts land on rune boundaries.
func truncateSnapshot(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	half := maxChars / 2
	head := runeFloor(s, half)
	tail := runeCeil(s, len(s)-half)
	removed := tail - head
	return s[:head] +
		fmt.Sprintf("\n\n[... %d characters of earlier output omitted ...]\n\n", removed) +
		s[tail:]
}

// runeFloor moves i back to the start of the rune containing it.
func runeFloor(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// runeCeil moves i forward to the next rune start.
func runeCeil(s string, i int) int {
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
