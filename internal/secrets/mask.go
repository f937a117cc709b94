package secrets

import "strings"

const visibleSuffix = 4

// Mask hides all but the last four characters of a secret.
// Values of four characters or fewer are hidden completely.
func Mask(v string) string {
	if v == "" {
		return ""
	}
	r := []rune(v)
	if len(r) <= visibleSuffix {
		return "****"
	}
	return strings.Repeat("*", len(r)-visibleSuffix) + string(r[len(r)-visibleSuffix:])
}
