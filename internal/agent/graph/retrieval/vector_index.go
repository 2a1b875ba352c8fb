package retrieval

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/finrag-core/server/internal/agent/model"
	errx "github.com/finrag-core/server/internal/core/error"
	logx "github.com/finrag-core/server/pkg/logger"
)

// Document is one indexed chunk of a financial filing or transcript.
type Document struct {
	ID       string             `json:"id"`
	Company  string             `json:"company"`
	Symbol   string             `json:"symbol"`
	DocType  model.DocumentType `json:"document_type"`
	Year     int                `json:"year,omitempty"`
	Month    string             `json:"month,omitempty"`
	Content  string             `json:"content"`
}

// VectorIndex is the similarity-search surface the retriever needs. The
// ingestion side (chunking, embedding, upserts) lives outside this service.
type VectorIndex interface {
	// SimilaritySearch returns up to k documents relevant to the query,
	// skipping any identifier in exclude.
	SimilaritySearch(ctx context.Context, query string, k int, exclude []string) ([]Document, error)

	// DocumentsByID loads previously retrieved documents for reuse.
	DocumentsByID(ctx context.Context, ids []string) ([]Document, error)

	// DocumentExists reports whether a matching document is already indexed.
	DocumentExists(ctx context.Context, symbol string, docType model.DocumentType, year int, month string) (bool, error)

	// Ping reports whether the index is reachable.
	Ping(ctx context.Context) error
}

// Embedder converts query text into the index's vector space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// PgVectorIndex runs similarity search against a Postgres table with a
// pgvector embedding column.
type PgVectorIndex struct {
	db       *sql.DB
	table    string
	embedder Embedder
}

func NewPgVectorIndex(db *sql.DB, table string, embedder Embedder) *PgVectorIndex {
	return &PgVectorIndex{db: db, table: table, embedder: embedder}
}

func (v *PgVectorIndex) SimilaritySearch(ctx context.Context, query string, k int, exclude []string) ([]Document, error) {
	emb, err := v.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if exclude == nil {
		exclude = []string{}
	}

	q := fmt.Sprintf(
		`SELECT document_id, company, symbol, document_type, year, month, content
		 FROM %s
		 WHERE document_id <> ALL($1)
		 ORDER BY embedding <-> $2
		 LIMIT $3`, pq.QuoteIdentifier(v.table))

	rows, err := v.db.QueryContext(ctx, q, pq.Array(exclude), pgvector.NewVector(emb), k)
	if err != nil {
		logx.Error().Err(err).Str("table", v.table).Msg("similarity search failed")
		return nil, errx.WrapPostgres(err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

func (v *PgVectorIndex) DocumentsByID(ctx context.Context, ids []string) ([]Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	q := fmt.Sprintf(
		`SELECT document_id, company, symbol, document_type, year, month, content
		 FROM %s
		 WHERE document_id = ANY($1)`, pq.QuoteIdentifier(v.table))

	rows, err := v.db.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

func (v *PgVectorIndex) DocumentExists(ctx context.Context, symbol string, docType model.DocumentType, year int, month string) (bool, error) {
	q := fmt.Sprintf(
		`SELECT EXISTS(
		   SELECT 1 FROM %s
		   WHERE symbol = $1 AND document_type = $2
		     AND ($3 = 0 OR year = $3)
		     AND ($4 = '' OR month = $4))`, pq.QuoteIdentifier(v.table))

	var exists bool
	if err := v.db.QueryRowContext(ctx, q, symbol, string(docType), year, month).Scan(&exists); err != nil {
		return false, errx.WrapPostgres(err)
	}
	return exists, nil
}

func (v *PgVectorIndex) Ping(ctx context.Context) error {
	if err := v.db.PingContext(ctx); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var out []Document
	for rows.Next() {
		var (
			doc   Document
			dtype string
			year  sql.NullInt64
			month sql.NullString
		)
		if err := rows.Scan(&doc.ID, &doc.Company, &doc.Symbol, &dtype, &year, &month, &doc.Content); err != nil {
			return nil, errx.WrapPostgres(err)
		}
		doc.DocType = model.DocumentType(dtype)
		doc.Year = int(year.Int64)
		doc.Month = month.String
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.WrapPostgres(err)
	}
	return out, nil
}
