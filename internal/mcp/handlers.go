package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/recordsync/internal/audit"
	"github.com/bull/recordsync/internal/indexer"
	"github.com/bull/recordsync/internal/query"
)

const defaultJobLimit = 10

// makeSearchHandler creates the search_records tool handler.
func makeSearchHandler(svc *query.Service) func(
	context.Context, *mcp.CallToolRequest, SearchRecordsInput,
) (*mcp.CallToolResult, SearchRecordsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchRecordsInput) (
		*mcp.CallToolResult, SearchRecordsOutput, error,
	) {
		hits, err := svc.Search(ctx, input.Query, input.Namespace, input.MaxResults)
		if err != nil {
			return nil, SearchRecordsOutput{}, fmt.Errorf("search failed: %w", err)
		}
		if len(hits) == 0 {
			return nil, SearchRecordsOutput{
				Results: []query.Hit{},
				Message: "No matching records found. Try broader search terms.",
			}, nil
		}
		return nil, SearchRecordsOutput{Results: hits}, nil
	}
}

// makeAskHandler creates the ask_records tool handler.
func makeAskHandler(svc *query.Service) func(
	context.Context, *mcp.CallToolRequest, AskRecordsInput,
) (*mcp.CallToolResult, AskRecordsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input AskRecordsInput) (
		*mcp.CallToolResult, AskRecordsOutput, error,
	) {
		answer, err := svc.Ask(ctx, input.Question, input.Namespace, input.MaxResults)
		if err != nil {
			return nil, AskRecordsOutput{}, fmt.Errorf("ask failed: %w", err)
		}
		return nil, AskRecordsOutput{
			Answer:  answer.Answer,
			Model:   answer.Model,
			Sources: answer.Sources,
		}, nil
	}
}

// makeAuditHandler creates the audit_stores tool handler.
func makeAuditHandler(auditor *audit.Auditor) func(
	context.Context, *mcp.CallToolRequest, AuditStoresInput,
) (*mcp.CallToolResult, AuditStoresOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input AuditStoresInput) (
		*mcp.CallToolResult, AuditStoresOutput, error,
	) {
		report, err := auditor.Audit(ctx)
		if err != nil {
			return nil, AuditStoresOutput{}, fmt.Errorf("audit failed: %w", err)
		}
		return nil, AuditStoresOutput{
			Healthy: report.Healthy(),
			Summary: summarize(report),
			Report:  report,
		}, nil
	}
}

func summarize(r *audit.Report) string {
	if r.Healthy() {
		return fmt.Sprintf("Stores agree on %d files.", len(r.Files))
	}
	return fmt.Sprintf("%d documents without vectors, %d vectors without documents, %d orphaned vectors across %d files.",
		r.TotalDangling, r.TotalStale, r.TotalOrphans, len(r.Files))
}

// makeJobStatusHandler creates the job_status tool handler.
func makeJobStatusHandler(ing *indexer.Ingestor) func(
	context.Context, *mcp.CallToolRequest, JobStatusInput,
) (*mcp.CallToolResult, JobStatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input JobStatusInput) (
		*mcp.CallToolResult, JobStatusOutput, error,
	) {
		if input.JobID != "" {
			job, err := ing.Job(ctx, input.JobID)
			if errors.Is(err, indexer.ErrJobNotFound) {
				return nil, JobStatusOutput{Jobs: []indexer.Job{}, Found: false}, nil
			}
			if err != nil {
				return nil, JobStatusOutput{}, fmt.Errorf("failed to get job: %w", err)
			}
			return nil, JobStatusOutput{Jobs: []indexer.Job{job}, Found: true}, nil
		}

		jobs, err := ing.Jobs(ctx)
		if err != nil {
			return nil, JobStatusOutput{}, fmt.Errorf("failed to list jobs: %w", err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = defaultJobLimit
		}
		if len(jobs) > limit {
			jobs = jobs[:limit]
		}
		if jobs == nil {
			jobs = []indexer.Job{}
		}
		return nil, JobStatusOutput{Jobs: jobs, Found: len(jobs) > 0}, nil
	}
}
