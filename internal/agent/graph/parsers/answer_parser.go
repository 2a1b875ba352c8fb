package parsers

import (
	"strings"
)

const citationsPrefix = "CITATIONS:"

// ParseSynthesisResponse splits a synthesizer completion into the answer
// text and the cited document identifiers. The citations line is stripped
// from the returned text. A missing or malformed line yields no citations;
// the sufficiency checker treats that as ungrounded.
func ParseSynthesisResponse(content string) (answer string, citations []string) {
	lines := strings.Split(content, "\n")

	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, citationsPrefix) {
			kept = append(kept, line)
			continue
		}
		citations = parseCitationList(strings.TrimPrefix(trimmed, citationsPrefix))
	}

	return strings.TrimSpace(strings.Join(kept, "\n")), citations
}

func parseCitationList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "none") {
		return nil
	}

	var ids []string
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		id = strings.TrimPrefix(id, "[doc:")
		id = strings.TrimPrefix(id, "doc:")
		id = strings.TrimSuffix(id, "]")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !containsString(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
