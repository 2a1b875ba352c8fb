package nodes

import (
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/agext/levenshtein"

	logx "github.com/finrag-core/server/pkg/logger"
)

//go:embed data/ticker_symbols.json
var tickerSymbolsJSON []byte

// fuzzyMatchThreshold is the minimum similarity for a fuzzy company-name
// match. Below it the company stays unresolved rather than guessing.
const fuzzyMatchThreshold = 0.82

// TickerResolver maps company names from classifier output to exchange
// ticker symbols, tolerating spelling variations.
type TickerResolver struct {
	symbols map[string]string
}

func NewTickerResolver() *TickerResolver {
	symbols := map[string]string{}
	if err := json.Unmarshal(tickerSymbolsJSON, &symbols); err != nil {
		// The mapping is compiled in; a decode failure is a build defect.
		logx.Panic().Err(err).Msg("decode embedded ticker symbols")
	}
	return &TickerResolver{symbols: symbols}
}

// Resolve returns the ticker for a company name. Lookup order: exact
// (case-insensitive) match, then best fuzzy match above the similarity
// threshold. The second return is false when nothing matches.
func (r *TickerResolver) Resolve(company string) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(company))
	if name == "" {
		return "", false
	}

	if sym, ok := r.symbols[name]; ok {
		return sym, true
	}

	// The classifier sometimes emits the ticker itself.
	upper := strings.ToUpper(name)
	for _, sym := range r.symbols {
		if sym == upper {
			return sym, true
		}
	}

	bestScore := 0.0
	bestSym := ""
	for known, sym := range r.symbols {
		score := levenshtein.Match(name, known, nil)
		if score > bestScore {
			bestScore = score
			bestSym = sym
		}
	}
	if bestScore >= fuzzyMatchThreshold {
		logx.Debug().
			Str("company", company).
			Str("symbol", bestSym).
			Float64("score", bestScore).
			Msg("fuzzy ticker match")
		return bestSym, true
	}

	return "", false
}
