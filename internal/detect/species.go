package detect

import (
	"strings"
	"unicode"
)

// SpeciesCode derives a short stable code from a common name, in the style of
// bird banding codes: "Crow" -> "crow", "American Robin" -> "amerob",
// "Black-capped Chickadee" -> "bcachi".
func SpeciesCode(name string) string {
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	switch len(words) {
	case 0:
		return ""
	case 1:
		return prefix(words[0], 6)
	case 2:
		return prefix(words[0], 3) + prefix(words[1], 3)
	case 3:
		return prefix(words[0], 1) + prefix(words[1], 2) + prefix(words[2], 3)
	}
	n := len(words)
	return prefix(words[0], 1) + prefix(words[1], 1) + prefix(words[n-2], 1) + prefix(words[n-1], 3)
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}
