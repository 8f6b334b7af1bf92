package artifact

import (
	"strings"
	"unicode"
)

const maxNameLen = 120

// FileName returns the artifact name for a job label: spaces become
// underscores and the .mp4 extension is appended.
func FileName(label string) string {
	return sanitizeName(strings.ReplaceAll(label, " ", "_"), maxNameLen) + ".mp4"
}

// ArchiveName returns "<name>.zip", or "batch_<id>.zip" when name is empty
// or sanitises to nothing.
func ArchiveName(name, batchID string) string {
	cleaned := strings.TrimSuffix(sanitizeName(name, maxNameLen), ".zip")
	cleaned = strings.Trim(cleaned, ". ")
	if cleaned == "" {
		return "batch_" + batchID + ".zip"
	}
	return cleaned + ".zip"
}

// sanitizeName replaces every rune outside a safe file-name alphabet with
// '_' and drops control characters.
func sanitizeName(s string, maxLen int) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if isAllowedNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	cleaned := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(cleaned)
		if len(runes) > maxLen {
			cleaned = string(runes[:maxLen])
		}
	}
	return cleaned
}

func isAllowedNameRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '_', '.', ',', '(', ')':
		return true
	default:
		return false
	}
}
