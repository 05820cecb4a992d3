// Package mcp exposes record search, question answering, audits and job
// status as MCP tools.
package mcp

import (
	"github.com/bull/recordsync/internal/audit"
	"github.com/bull/recordsync/internal/indexer"
	"github.com/bull/recordsync/internal/query"
)

// SearchRecordsInput defines the input parameters for the search_records tool.
type SearchRecordsInput struct {
	// Query is embedded and matched against record summaries.
	Query string `json:"query" jsonschema:"the semantic search query"`
	// Namespace restricts the search; empty searches every namespace.
	Namespace  string `json:"namespace,omitempty" jsonschema:"namespace to search, empty for all"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of records to return, default 5"`
}

// SearchRecordsOutput contains the search results.
type SearchRecordsOutput struct {
	Results []query.Hit `json:"results"`
	// Message provides informational context (e.g., "No matching records found").
	Message string `json:"message,omitempty"`
}

// AskRecordsInput defines the input parameters for the ask_records tool.
type AskRecordsInput struct {
	Question   string `json:"question" jsonschema:"the question to answer from the records"`
	Namespace  string `json:"namespace,omitempty" jsonschema:"namespace to answer from, empty for all"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"number of records given to the model as context"`
}

// AskRecordsOutput is the generated answer with the records it was based on.
type AskRecordsOutput struct {
	Answer  string      `json:"answer"`
	Model   string      `json:"model,omitempty"`
	Sources []query.Hit `json:"sources"`
}

// AuditStoresInput takes no parameters.
type AuditStoresInput struct{}

// AuditStoresOutput is the audit report plus a one-line verdict.
type AuditStoresOutput struct {
	Healthy bool          `json:"healthy"`
	Summary string        `json:"summary"`
	Report  *audit.Report `json:"report"`
}

// JobStatusInput defines the input parameters for the job_status tool.
type JobStatusInput struct {
	// JobID is optional; without it the most recent jobs are listed.
	JobID string `json:"job_id,omitempty" jsonschema:"ingestion job id, empty lists recent jobs"`
	Limit int    `json:"limit,omitempty" jsonschema:"number of recent jobs to list, default 10"`
}

// JobStatusOutput holds one job or the most recent ones.
type JobStatusOutput struct {
	Jobs  []indexer.Job `json:"jobs"`
	Found bool          `json:"found"`
}
