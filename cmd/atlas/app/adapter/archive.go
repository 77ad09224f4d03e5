package adapter

import (
	"context"
	"fmt"

	"github.com/opsdevs/project-atlas/cmd/atlas/app/domain"
	"github.com/opsdevs/project-atlas/pkg/storage"
)

// S3ReportArchiver writes one JSON document per sync run, keyed by date and
// run id so reports sort chronologically in the bucket.
type S3ReportArchiver struct {
	store *storage.S3Storage
}

var _ domain.ReportArchiver = (*S3ReportArchiver)(nil)

func NewS3ReportArchiver(store *storage.S3Storage) *S3ReportArchiver {
	return &S3ReportArchiver{store: store}
}

func (a *S3ReportArchiver) ArchiveSyncReport(ctx context.Context, report domain.SyncReport) error {
	key := fmt.Sprintf("sync-reports/%s/%s.json",
		report.StartedAt.UTC().Format("2006/01/02"), report.RunID)
	return a.store.PutJSON(ctx, key, report)
}
