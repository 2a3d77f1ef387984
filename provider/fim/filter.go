package fim

import (
	"regexp"
	"strings"

	"ghosttab/repetition"
)

var importLine = map[string]*regexp.Regexp{
	"python":          regexp.MustCompile(`^(import\s+\S|from\s+\S+\s+import\b)`),
	"javascript":      regexp.MustCompile(`^(import\b.*(\bfrom\b|['"])|(const|let|var)\s+.+=\s*require\()`),
	"typescript":      regexp.MustCompile(`^(import\b.*(\bfrom\b|['"])|(const|let|var)\s+.+=\s*require\()`),
	"javascriptreact": regexp.MustCompile(`^(import\b.*(\bfrom\b|['"])|(const|let|var)\s+.+=\s*require\()`),
	"typescriptreact": regexp.MustCompile(`^(import\b.*(\bfrom\b|['"])|(const|let|var)\s+.+=\s*require\()`),
	"go":              regexp.MustCompile(`^(import\b|"[\w./-]+"$|\w+\s+"[\w./-]+"$)`),
}

// stripImports removes import statements for languages that have them
func stripImports(text, language string) string {
	re, ok := importLine[language]
	if !ok {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if re.MatchString(strings.TrimSpace(line)) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// filterChoices drops completions that would be useless or harmful to show.
// Leading indentation is kept; trailing whitespace is removed.
func filterChoices(choices []string, suffix, language string) []string {
	nextText := strings.TrimLeft(suffix, " \t\r\n")
	var out []string
	for _, choice := range choices {
		trimmed := strings.TrimSpace(choice)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(nextText, trimmed) {
			continue
		}
		text := stripImports(choice, language)
		if strings.TrimSpace(text) == "" {
			continue
		}
		text = strings.TrimRight(strings.TrimLeft(text, "\r\n"), " \t\r\n")
		if repetition.IsDegenerate(text) {
			continue
		}
		out = append(out, text)
	}
	return out
}
