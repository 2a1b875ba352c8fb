package parsers

import (
	"fmt"
	"strings"

	"github.com/finrag-core/server/internal/agent/model"
)

// ParseSufficiencyResponse extracts the verdict and its reason from the
// checker model's two-line reply. Unparseable output maps to UNVERIFIED so
// the caller can fall back to its deterministic guards.
func ParseSufficiencyResponse(content string) (model.Verdict, string, error) {
	verdict := model.VerdictUnverified
	reason := ""

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "VERDICT:"):
			v := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(trimmed, "VERDICT:")))
			switch {
			case strings.HasPrefix(v, "SUFFICIENT"):
				verdict = model.VerdictSufficient
			case strings.HasPrefix(v, "INSUFFICIENT"), strings.HasPrefix(v, "RETRIEVE_NEW"):
				verdict = model.VerdictInsufficient
			}
		case strings.HasPrefix(trimmed, "REASON:"):
			reason = strings.TrimSpace(strings.TrimPrefix(trimmed, "REASON:"))
		}
	}

	if verdict == model.VerdictUnverified {
		return verdict, reason, fmt.Errorf("no verdict in checker output: %s", safeSnippet(content))
	}
	return verdict, reason, nil
}
