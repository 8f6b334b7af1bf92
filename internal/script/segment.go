// Package script turns free-form labeled script text into ordered segments.
package script

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// HoldingProductMarker is the literal that follows an em-dash on a label
// line when the avatar should be shown holding the product.
const HoldingProductMarker = "HOLDING PRODUCT"

// Segment is one labeled unit of a script destined for one generated video.
type Segment struct {
	Label          string `json:"label"`
	Prompt         string `json:"prompt"`
	HoldingProduct bool   `json:"holding_product"`
}

// labelLine matches a capitalized label of letters, digits and spaces with an
// optional "— HOLDING PRODUCT" suffix, e.g. "HOOK" or "Backend 1".
var labelLine = regexp.MustCompile(`^([A-Z][A-Za-z0-9 \t]+?)[ \t]*(—[ \t]*` + HoldingProductMarker + `)?[ \t]*$`)

// Parse splits script text into segments in source order.
//
// A label line starts a new segment and every following line up to the next
// label line forms its prompt. The first non-blank line after a label always
// belongs to the prompt, and a label on the final line has no prompt to
// introduce so it is read as prompt text. Text before the first label is ignored. An
// empty result is not an error; callers decide whether zero segments is
// acceptable.
func Parse(text string) []Segment {
	lines := strings.Split(Normalize(text), "\n")

	var (
		segments []Segment
		current  *Segment
		body     []string
		// The first non-blank line after a label is prompt text even if it looks like a label.
		awaitingBody bool
	)

	flush := func() {
		if current == nil {
			return
		}
		current.Prompt = strings.TrimSpace(strings.Join(body, "\n"))
		segments = append(segments, *current)
		current = nil
		body = nil
	}

	for i, line := range lines {
		if awaitingBody && strings.TrimSpace(line) == "" {
			body = append(body, line)
			continue
		}
		if !awaitingBody && i < len(lines)-1 {
			if label, holding, ok := parseLabel(line); ok {
				flush()
				current = &Segment{Label: label, HoldingProduct: holding}
				awaitingBody = true
				continue
			}
		}
		awaitingBody = false
		if current != nil {
			body = append(body, line)
		}
	}
	flush()

	return segments
}

// Normalize converts text to NFC and LF line endings so composed and
// decomposed characters (and CRLF files) parse identically.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func parseLabel(line string) (label string, holding bool, ok bool) {
	m := labelLine.FindStringSubmatch(line)
	if m == nil {
		return "", false, false
	}
	label = strings.TrimSpace(m[1])
	if label == "" {
		return "", false, false
	}
	return label, m[2] != "", true
}
