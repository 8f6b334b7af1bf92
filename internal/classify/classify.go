// Package classify maps opaque provider error strings to user-facing guidance.
package classify

import "strings"

// UnknownMessage is returned when the provider gave no message at all.
const UnknownMessage = "Unknown error occurred"

type rule struct {
	code     string
	guidance string
}

// rules are matched case-insensitively as substrings, first match wins.
// Codes are lower-cased here so lookups only fold the input.
var rules = []rule{
	{"public_error_prominent_people_filter_failed", "Please verify or edit any celebrity/public figure names"},
	{"public_error_violence_filter_failed", "Content contains violence or harmful themes - please revise"},
	{"public_error_nsfw_filter_failed", "Content flagged as inappropriate - please revise"},
	{"public_error_copyrighted_material", "Content may include copyrighted material - please revise"},
	{"public_error_prompt_too_long", "Prompt is too long - please shorten the text"},
	{"public_error_invalid_image", "Image format or quality issue - please try a different image"},
}

// Message returns human-readable guidance for a raw provider message. An
// empty message yields UnknownMessage; a message matching no known code is
// returned unchanged.
func Message(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return UnknownMessage
	}
	lower := strings.ToLower(raw)
	for _, r := range rules {
		if strings.Contains(lower, r.code) {
			return r.guidance
		}
	}
	return raw
}

// Known reports whether raw matches one of the provider error codes.
func Known(raw string) bool {
	lower := strings.ToLower(raw)
	for _, r := range rules {
		if strings.Contains(lower, r.code) {
			return true
		}
	}
	return false
}
