package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dikkadev/websubhub/internal/db"
	"github.com/dikkadev/websubhub/pkg/websub"
)

const (
	CleanerName = "Cleaner"

	// RetentionPeriod is how long abandoned and expired subscriptions are kept.
	RetentionPeriod = 14 * 24 * time.Hour
)

// CleanerSchedule runs the cleaner once a day at 03:00 UTC.
var CleanerSchedule = DailyAt{Hour: 3, Minute: 0}

// Cleaner removes subscriptions that never got verified or expired long
// ago, and contents that were delivered to everyone.
type Cleaner struct {
	deps   Deps
	logger *slog.Logger
}

func NewCleaner(deps Deps) *Cleaner {
	return &Cleaner{deps: deps, logger: deps.logger("cleaner")}
}

func (j *Cleaner) Name() string {
	return CleanerName
}

func (j *Cleaner) Schedule() Schedule {
	return CleanerSchedule
}

func (j *Cleaner) Perform(ctx context.Context) error {
	cutoff := j.deps.now().Add(-RetentionPeriod)

	stale, err := j.cleanSubscriptions(ctx, "stale_subscriptions", db.SubscriptionFilter{
		Statuses:      []websub.SubscriptionStatus{websub.SubscriptionNew, websub.SubscriptionValidated},
		CreatedBefore: &cutoff,
	})
	if err != nil {
		return err
	}

	expired, err := j.cleanSubscriptions(ctx, "expired_subscriptions", db.SubscriptionFilter{
		Statuses:      []websub.SubscriptionStatus{websub.SubscriptionExpired},
		ExpiredBefore: &cutoff,
	})
	if err != nil {
		return err
	}

	contents, err := j.cleanContents(ctx)
	if err != nil {
		return err
	}

	j.logger.Info("Cleanup done", "stale_subscriptions", stale, "expired_subscriptions", expired, "contents", contents)
	return nil
}

func (j *Cleaner) cleanSubscriptions(ctx context.Context, kind string, filter db.SubscriptionFilter) (int64, error) {
	subs, err := j.deps.Store.ListSubscriptions(ctx, filter)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	n, err := j.deps.Store.DeleteSubscriptions(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	cleanedTotal.WithLabelValues(kind).Add(float64(n))
	return n, nil
}

func (j *Cleaner) cleanContents(ctx context.Context) (int64, error) {
	contents, err := j.deps.Store.ListContents(ctx, db.ContentFilter{
		Statuses: []websub.ContentStatus{websub.ContentDelivered},
	})
	if err != nil {
		return 0, err
	}
	if len(contents) == 0 {
		return 0, nil
	}

	ids := make([]string, len(contents))
	for i, c := range contents {
		ids[i] = c.ID
	}
	n, err := j.deps.Store.DeleteContents(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete delivered contents: %w", err)
	}
	cleanedTotal.WithLabelValues("contents").Add(float64(n))
	return n, nil
}
