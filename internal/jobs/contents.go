package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dikkadev/websubhub/internal/db"
	"github.com/dikkadev/websubhub/pkg/websub"
)

const (
	ProcessContentsName      = "ProcessContents"
	ProcessContentsFrequency = 5 * time.Second
)

// ProcessContents fetches newly published contents, then delivers fetched
// contents to their subscribers.
type ProcessContents struct {
	deps       Deps
	fetcher    *ContentFetcher
	dispatcher *DeliveryDispatcher
	logger     *slog.Logger
}

func NewProcessContents(deps Deps) *ProcessContents {
	return &ProcessContents{
		deps:       deps,
		fetcher:    NewContentFetcher(deps),
		dispatcher: NewDeliveryDispatcher(deps),
		logger:     deps.logger("contents"),
	}
}

func (j *ProcessContents) Name() string {
	return ProcessContentsName
}

func (j *ProcessContents) Schedule() Schedule {
	return Every(ProcessContentsFrequency)
}

func (j *ProcessContents) Perform(ctx context.Context) error {
	fetchErr := j.fetch(ctx)
	deliverErr := j.deliver(ctx)
	return errors.Join(fetchErr, deliverErr)
}

func (j *ProcessContents) fetch(ctx context.Context) error {
	contents, err := j.deps.Store.ListContents(ctx, db.ContentFilter{
		Statuses: []websub.ContentStatus{websub.ContentNew},
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range contents {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := j.fetcher.Fetch(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (j *ProcessContents) deliver(ctx context.Context) error {
	contents, err := j.deps.Store.ListContents(ctx, db.ContentFilter{
		Statuses: []websub.ContentStatus{websub.ContentFetched},
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range contents {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.deliverContent(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("deliver content %s: %w", c.ID, err))
		}
	}
	return errors.Join(errs...)
}

// deliverContent dispatches the due deliveries of c and marks c delivered
// once none are left.
func (j *ProcessContents) deliverContent(ctx context.Context, c *websub.Content) error {
	deliveries, err := j.deps.Store.ListDeliveries(ctx, db.DeliveryFilter{ContentIDs: []string{c.ID}})
	if err != nil {
		return err
	}

	remaining := 0
	var errs []error
	for _, delivery := range deliveries {
		outcome, err := j.dispatcher.Dispatch(ctx, c, delivery)
		if err != nil {
			remaining++
			errs = append(errs, err)
			continue
		}
		if !outcome.Resolved() {
			remaining++
		}
	}
	if remaining > 0 {
		return errors.Join(errs...)
	}

	if err := c.Deliver(); err != nil {
		j.logger.Warn("Cannot mark content delivered", "content", c.ID, "err", err)
		return nil
	}
	if err := j.deps.Store.UpdateContent(ctx, c); err != nil {
		return err
	}
	j.logger.Info("Content delivered to all subscribers", "content", c.ID, "url", c.URL)
	return nil
}
