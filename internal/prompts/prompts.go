package prompts

import "fmt"

const summarySystem = "You summarize voice conversation transcripts. Produce a short factual summary followed by key points, one per line, each starting with \"- \". Do not invent details that are not in the transcript."

// ForSummary resolves the system prompt for transcript summarization.
// typeHint, when present, names the kind of interaction (e.g. "support",
// "patrol") and is folded into the instructions.
func ForSummary(language, typeHint string) string {
	prompt := summarySystem
	if typeHint != "" {
		prompt += fmt.Sprintf(" The transcript is from a %s interaction.", typeHint)
	}
	if language != "" && language != "en" {
		prompt += fmt.Sprintf(" Write the summary in the transcript's language (%s).", language)
	}
	return prompt
}

// ForDocumentTitle resolves the title line for a rendered conversation document.
func ForDocumentTitle(appName, identity string) string {
	if appName == "" {
		return "Conversation with " + identity
	}
	return fmt.Sprintf("%s conversation with %s", appName, identity)
}
