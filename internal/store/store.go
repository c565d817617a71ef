package store

import (
	"context"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// ReportStore persists finalized run reports. Implementations must be safe
// for concurrent use. It satisfies engine.ReportSink.
type ReportStore interface {
	SaveReport(ctx context.Context, report *schema.RunReport) error
	GetReport(ctx context.Context, runID string) (*schema.RunReport, error)
	LatestReport(ctx context.Context, workflowID string) (*schema.RunReport, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]*ReportSummary, error)
	DeleteReport(ctx context.Context, runID string) error
	StepHistory(ctx context.Context, workflowID, stepID string, limit int) ([]*StepRecord, error)

	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
