package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dikkadev/websubhub/internal/db"
	"github.com/dikkadev/websubhub/pkg/websub"
)

// ContentFetcher retrieves the current representation of a topic and fans
// it out to the topic's verified subscribers.
type ContentFetcher struct {
	deps   Deps
	logger *slog.Logger
}

func NewContentFetcher(deps Deps) *ContentFetcher {
	return &ContentFetcher{deps: deps, logger: deps.logger("fetcher")}
}

// Fetch reports whether c was fetched. Upstream failures leave c untouched
// for the next run; only store failures are returned as errors.
func (f *ContentFetcher) Fetch(ctx context.Context, c *websub.Content) (bool, error) {
	logger := f.logger.With("content", c.ID, "url", c.URL)

	resp, err := f.deps.Client.Get(ctx, c.URL)
	if err != nil {
		fetchesTotal.WithLabelValues("unreachable").Inc()
		logger.Info("Fetch failed", "err", err)
		return false, nil
	}
	if !resp.IsSuccess() {
		fetchesTotal.WithLabelValues("bad_status").Inc()
		logger.Info("Fetch failed", "status", resp.StatusCode)
		return false, nil
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = websub.DefaultContentType
	}
	links := websub.LinkHeader(resp.Header.Values("Link"), c.URL, f.deps.HubURL)

	now := f.deps.now()
	c.Fetch(resp.Body, contentType, links, now)

	subs, err := f.deps.Store.ListSubscriptions(ctx, db.SubscriptionFilter{
		Statuses: []websub.SubscriptionStatus{websub.SubscriptionVerified},
		Topic:    c.URL,
	})
	if err != nil {
		return false, err
	}

	deliveries := make([]*websub.Delivery, 0, len(subs))
	for _, sub := range subs {
		deliveries = append(deliveries, websub.NewDelivery(sub.ID, c.ID, now))
	}
	if err := f.deps.Store.SaveFetchedContent(ctx, c, deliveries); err != nil {
		return false, fmt.Errorf("save fetched content %s: %w", c.ID, err)
	}

	fetchesTotal.WithLabelValues("fetched").Inc()
	deliveriesCreated.Add(float64(len(deliveries)))
	logger.Info("Content fetched", "type", contentType, "bytes", len(resp.Body), "subscribers", len(deliveries))
	return true, nil
}
