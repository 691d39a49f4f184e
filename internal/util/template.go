package util

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// RenderTemplate replaces every {{field}} with its value from vars. Unknown
// fields render as the empty string; this never fails.
func RenderTemplate(body string, vars map[string]string) string {
	if body == "" || !strings.Contains(body, "{{") {
		return body
	}
	return placeholderPattern.ReplaceAllStringFunc(body, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if v, ok := vars[name]; ok {
			return v
		}
		return vars[strings.ToLower(name)]
	})
}

// hasPlaceholders reports whether s still contains a {{field}} reference.
func hasPlaceholders(s string) bool {
	return placeholderPattern.MatchString(s)
}
