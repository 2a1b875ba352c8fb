package parsers

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/finrag-core/server/internal/agent/model"
	errx "github.com/finrag-core/server/internal/core/error"
	logx "github.com/finrag-core/server/pkg/logger"
)

const (
	recDelim = "##"
	tupDelim = "<||>"
	endDelim = "<|COMPLETE|>"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 64 * 1024 // 64KB
	maxRecords    = 50
	maxTupleLen   = 8 * 1024 // 8KB per tuple
	maxMetaLen    = 2 * 1024 // 2KB metadata JSON
	maxErrSnippet = 200
)

// ClassifierResult is the parsed classifier model output before ticker
// symbols are resolved.
type ClassifierResult struct {
	Classifications []model.Classification
	EnhancedQuery   string
	ParsingErrors   []string
}

type rawTuple struct {
	Type  string
	Parts []string
}

func parseRawTuple(s string) (*rawTuple, error) {
	if s == "" {
		return nil, fmt.Errorf("empty tuple")
	}
	if len(s) > maxTupleLen {
		return nil, fmt.Errorf("tuple too large")
	}

	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil, fmt.Errorf("invalid tuple parens")
	}
	inner := s[1 : len(s)-1]
	// limit splitting so metadata JSON can contain delimiters
	parts := strings.SplitN(inner, tupDelim, 5)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid tuple parts")
	}
	typ := strings.Trim(strings.TrimSpace(parts[0]), `"`)
	return &rawTuple{Type: typ, Parts: parts}, nil
}

// ParseClassifierResponse converts the delimiter-format classifier output
// into classifications plus the enhanced query. Malformed records are
// skipped and reported in ParsingErrors rather than failing the whole parse.
func ParseClassifierResponse(content string) (result *ClassifierResult, err error) {
	// panic safety
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "classifier_parser").Msgf("panic recovered: %v", r)
			err = errx.New(fmt.Errorf("classifier parser panic"), http.StatusInternalServerError, errx.SystemErrorMessage)
			result = nil
		}
	}()

	if len(content) > maxContentLen {
		logx.Warn().
			Str("component", "classifier_parser").
			Int("max_len", maxContentLen).
			Int("orig_len", len(content)).
			Msg("content truncated due to size limit")
		content = content[:maxContentLen]
	}
	if idx := strings.Index(content, endDelim); idx >= 0 {
		content = content[:idx]
	}

	result = &ClassifierResult{}
	addErr := func(msg string) {
		result.ParsingErrors = append(result.ParsingErrors, msg)
	}

	records := strings.Split(content, recDelim)
	processed := 0
	for _, rec := range records {
		if processed >= maxRecords {
			addErr("records capped")
			break
		}
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		processed++

		rt, rerr := parseRawTuple(rec)
		if rerr != nil {
			addErr(fmt.Sprintf("bad_record: %s", safeSnippet(rec)))
			continue
		}

		switch rt.Type {
		case "classification":
			c, cerr := parseClassificationTuple(rt)
			if cerr != nil {
				addErr(cerr.Error())
				continue
			}
			result.Classifications = append(result.Classifications, c)

		case "enhanced_query":
			q := strings.TrimSpace(rt.Parts[1])
			if q != "" && utf8.ValidString(q) {
				result.EnhancedQuery = q
			}

		default:
			addErr("unknown tuple type")
		}
	}

	return result, nil
}

func parseClassificationTuple(rt *rawTuple) (model.Classification, error) {
	if len(rt.Parts) < 4 {
		return model.Classification{}, fmt.Errorf("classification: insufficient parts")
	}

	docType, ok := parseDocumentType(rt.Parts[1])
	if !ok {
		return model.Classification{}, fmt.Errorf("classification: invalid document type")
	}

	company := strings.TrimSpace(rt.Parts[2])
	if company == "" || !utf8.ValidString(company) {
		return model.Classification{}, fmt.Errorf("classification: invalid company")
	}

	conf, err := parseFloatInRange(rt.Parts[3], 0, 1)
	if err != nil {
		return model.Classification{}, fmt.Errorf("classification: invalid confidence")
	}

	c := model.Classification{
		DocumentType: docType,
		Company:      company,
		Confidence:   conf,
	}

	if len(rt.Parts) >= 5 {
		meta, merr := parseMeta(rt.Parts[4])
		if merr != nil {
			return model.Classification{}, fmt.Errorf("classification: invalid metadata json")
		}
		if v, ok := meta["year"].(float64); ok && v >= 1900 && v <= 2200 {
			c.Year = int(v)
		}
		if v, ok := meta["month"].(string); ok {
			c.Month = normalizeMonth(v)
		}
		if v, ok := meta["days_range"]; ok {
			c.DaysRange = daysRangeFromMeta(v)
		}
	}

	return c, nil
}

func parseDocumentType(s string) (model.DocumentType, bool) {
	switch model.DocumentType(strings.ToLower(strings.TrimSpace(s))) {
	case model.DocTypePriceData:
		return model.DocTypePriceData, true
	case model.DocTypeAnnualReport:
		return model.DocTypeAnnualReport, true
	case model.DocTypeCallTranscript:
		return model.DocTypeCallTranscript, true
	default:
		return model.DocTypeUnknown, false
	}
}

func daysRangeFromMeta(v any) int {
	switch vv := v.(type) {
	case float64:
		if vv > 0 && !math.IsNaN(vv) && !math.IsInf(vv, 0) {
			return int(vv)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(vv)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

var monthAbbrevs = map[string]string{
	"jan": "Jan", "feb": "Feb", "mar": "Mar", "apr": "Apr",
	"may": "May", "jun": "Jun", "jul": "Jul", "aug": "Aug",
	"sep": "Sep", "oct": "Oct", "nov": "Nov", "dec": "Dec",
}

func normalizeMonth(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 3 {
		if m, ok := monthAbbrevs[s[:3]]; ok {
			return m
		}
	}
	return ""
}

// --- helpers shared by the parsers in this package ---

func parseFloatInRange(s string, min, max float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < min || v > max {
		return 0, fmt.Errorf("out of range")
	}
	return v, nil
}

func parseMeta(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}, nil
	}
	if len(s) > maxMetaLen {
		return nil, fmt.Errorf("metadata too large")
	}
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, fmt.Errorf("metadata not json object")
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrSnippet {
		return s
	}
	return s[:maxErrSnippet]
}
