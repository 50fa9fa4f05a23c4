package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// ChatLogPurger deletes persisted interactions older than a cutoff
type ChatLogPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionCleanupJob deletes chat logs, their quality metrics and sessions
// older than the retention period
type RetentionCleanupJob struct {
	store     ChatLogPurger
	retention time.Duration
	schedule  cron.Schedule
	now       func() time.Time
}

// NewRetentionCleanupJob creates a retention job running on a standard
// five-field cron expression, e.g. "0 3 * * *"
func NewRetentionCleanupJob(store ChatLogPurger, retentionDays int, cronExpr string) (*RetentionCleanupJob, error) {
	if retentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}

	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cronExpr, err)
	}

	return &RetentionCleanupJob{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		schedule:  schedule,
		now:       time.Now,
	}, nil
}

// Run deletes everything older than the retention period
func (j *RetentionCleanupJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.retention)
	log.Printf("[RETENTION] Deleting chat history older than %s", cutoff.Format(time.RFC3339))

	deleted, err := j.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention cleanup failed: %w", err)
	}

	log.Printf("[RETENTION] Cleanup complete: deleted %d rows", deleted)
	return nil
}

// NextRunTime returns the next cron activation after the given time
func (j *RetentionCleanupJob) NextRunTime(after time.Time) time.Time {
	return j.schedule.Next(after)
}
