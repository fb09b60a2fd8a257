// Package jobs drives every asynchronous state transition of the hub:
// subscription validation, intent verification and expiry, content fetching
// and delivery, and retention cleanup. Each job is an idempotent batch that
// re-reads current row state, so running it again is always safe.
package jobs

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dikkadev/websubhub/internal/clock"
	"github.com/dikkadev/websubhub/internal/db"
	"github.com/dikkadev/websubhub/internal/httpclient"
	"github.com/dikkadev/websubhub/internal/origins"
	"github.com/dikkadev/websubhub/pkg/websub"
)

// Job is a periodic, self-rescheduling batch operation.
type Job interface {
	Name() string
	Schedule() Schedule
	Perform(ctx context.Context) error
}

// Schedule computes the next run of a job.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Every runs a job at a fixed interval after the previous run finished.
type Every time.Duration

func (e Every) Next(after time.Time) time.Time {
	return after.Add(time.Duration(e))
}

// DailyAt runs a job once a day at a fixed UTC time of day.
type DailyAt struct {
	Hour   int
	Minute int
}

func (d DailyAt) Next(after time.Time) time.Time {
	after = after.UTC()
	next := time.Date(after.Year(), after.Month(), after.Day(), d.Hour, d.Minute, 0, 0, time.UTC)
	if !next.After(after) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Store is the record store the jobs operate on.
type Store interface {
	FindSubscription(ctx context.Context, id string) (*websub.Subscription, error)
	ListSubscriptions(ctx context.Context, filter db.SubscriptionFilter) ([]*websub.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *websub.Subscription) error
	DeleteSubscriptions(ctx context.Context, ids ...string) (int64, error)
	ResolveSubscription(ctx context.Context, sub, seen *websub.Subscription) error
	DeleteResolvedSubscription(ctx context.Context, seen *websub.Subscription) error

	ListContents(ctx context.Context, filter db.ContentFilter) ([]*websub.Content, error)
	UpdateContent(ctx context.Context, c *websub.Content) error
	SaveFetchedContent(ctx context.Context, c *websub.Content, deliveries []*websub.Delivery) error
	DeleteContents(ctx context.Context, ids ...string) (int64, error)

	ListDeliveries(ctx context.Context, filter db.DeliveryFilter) ([]*websub.Delivery, error)
	UpdateDelivery(ctx context.Context, d *websub.Delivery) error
	DeleteDeliveries(ctx context.Context, ids ...string) (int64, error)
	DeleteDeliveryAndSubscription(ctx context.Context, deliveryID, subscriptionID string) error
}

// HTTPClient performs the hub's outbound calls.
type HTTPClient interface {
	Get(ctx context.Context, url string) (*httpclient.Response, error)
	Post(ctx context.Context, url string, body []byte, header http.Header) (*httpclient.Response, error)
}

// Deps are the collaborators shared by all jobs.
type Deps struct {
	Store   Store
	Client  HTTPClient
	Clock   clock.Clock
	Origins origins.Source
	// HubURL is the hub's own absolute base URL, advertised in Link headers.
	HubURL string
	Logger *slog.Logger
}

func (d Deps) logger(component string) *slog.Logger {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}

func (d Deps) now() time.Time {
	if d.Clock == nil {
		return clock.Real{}.Now()
	}
	return d.Clock.Now()
}
