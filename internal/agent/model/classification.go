package model

import "time"

// Classification is one document need inferred from a query: which category
// of financial data, for which company, over which period.
type Classification struct {
	DocumentType DocumentType `json:"document_type"`
	Company      string       `json:"company"`
	Symbol       string       `json:"symbol"`
	Year         int          `json:"year,omitempty"`
	Month        string       `json:"month,omitempty"`
	// DaysRange is the lookback window for price data, in days
	// (30, 180, 365, 1095, 1825, 3652 or 10000).
	DaysRange  int     `json:"days_range,omitempty"`
	Confidence float64 `json:"confidence"`
}

// AlternateDocumentType returns the next category to try when the current
// one yielded no usable evidence. Price data has no textual fallback order,
// so it rotates into reports first.
func (c Classification) AlternateDocumentType() DocumentType {
	switch c.DocumentType {
	case DocTypeCallTranscript:
		return DocTypeAnnualReport
	case DocTypeAnnualReport:
		return DocTypeCallTranscript
	case DocTypePriceData:
		return DocTypeAnnualReport
	default:
		return DocTypeUnknown
	}
}

// Answer is a grounded response produced by the synthesizer.
type Answer struct {
	Text string `json:"text"`
	// CitedDocuments is the subset of supplied document identifiers the
	// answer actually relies on; the sufficiency checker judges grounding
	// from it rather than from the raw retrieval count.
	CitedDocuments []string       `json:"cited_documents"`
	Sources        []string       `json:"sources,omitempty"`
	Confidence     float64        `json:"confidence"`
	SupportingData map[string]any `json:"supporting_data,omitempty"`
}

// PriceReport is a fetched market-data record for one ticker.
type PriceReport struct {
	Symbol        string       `json:"symbol"`
	Company       string       `json:"company,omitempty"`
	Currency      string       `json:"currency"`
	LatestPrice   float64      `json:"latest_price"`
	ChangePercent float64      `json:"change_percent"`
	WindowDays    int          `json:"window_days"`
	Points        []PricePoint `json:"points,omitempty"`
	RetrievedAt   time.Time    `json:"retrieved_at"`
}

// PricePoint is one close observation inside a report window.
type PricePoint struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}
