package pipeline

import "strings"

// Annotation is one piece of advisory structure extracted from a summary.
// Annotations are best-effort metadata attached to rendered documents; no
// pipeline stage depends on them being present or correct.
type Annotation struct {
	Kind string `json:"kind"` // "point" or "paragraph"
	Text string `json:"text"`
}

// AnnotateSummary extracts list structure from a model-produced summary.
// Lines resembling list items become "point" annotations; everything else is
// folded into "paragraph" annotations in order.
func AnnotateSummary(summary string) []Annotation {
	var out []Annotation
	var paragraph []string

	flush := func() {
		if len(paragraph) == 0 {
			return
		}
		out = append(out, Annotation{Kind: "paragraph", Text: strings.Join(paragraph, " ")})
		paragraph = paragraph[:0]
	}

	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		if item, ok := listItem(line); ok {
			flush()
			out = append(out, Annotation{Kind: "point", Text: item})
			continue
		}
		paragraph = append(paragraph, line)
	}
	flush()
	return out
}

// listItem strips a leading list marker. Recognized markers are "-", "*",
// "•", and "N." / "N)" for a short run of digits.
func listItem(line string) (string, bool) {
	for _, marker := range []string{"- ", "* ", "• "} {
		if rest, ok := strings.CutPrefix(line, marker); ok {
			return strings.TrimSpace(rest), true
		}
	}
	i := 0
	for i < len(line) && i < 3 && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:]), true
	}
	return "", false
}
