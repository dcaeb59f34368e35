package scanning

import (
	"strings"
)

// cleanTranscript strips the wrapping an LLM sometimes puts around a verbatim
// transcription (markdown fences, a leading "text" language tag) and rejects
// empty output.
func cleanTranscript(text string) (string, error) {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		// Drop an optional language tag on the opening fence line
		if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.ContainsAny(text[:nl], " \t") {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	text = strings.TrimSpace(text)
	if text == "" || text == noTextMarker {
		return "", ErrNoText
	}
	return text, nil
}
