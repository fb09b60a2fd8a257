// Package service implements the synchronous side of the hub: recording
// subscribe, unsubscribe and publish requests. All further progress happens
// in the background jobs.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dikkadev/websubhub/internal/clock"
	"github.com/dikkadev/websubhub/internal/db"
	"github.com/dikkadev/websubhub/internal/origins"
	"github.com/dikkadev/websubhub/pkg/websub"
)

type Store interface {
	CreateSubscription(ctx context.Context, sub *websub.Subscription) error
	FindSubscriptionFor(ctx context.Context, callback, topic string) (*websub.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *websub.Subscription) error
	CreateContent(ctx context.Context, c *websub.Content) (bool, error)
}

type Service struct {
	store   Store
	origins origins.Source
	clock   clock.Clock
	logger  *slog.Logger
}

func New(store Store, source origins.Source, c clock.Clock, logger *slog.Logger) *Service {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		origins: source,
		clock:   c,
		logger:  logger.With("component", "service"),
	}
}

// Subscribe records a subscription request. A request for an existing
// (callback, topic) pair renews it: the new lease and secret only take
// effect once the subscriber confirms the intent.
//
// Invalid input is reported as websub.ValidationErrors.
func (s *Service) Subscribe(ctx context.Context, callback, topic string, leaseSeconds int, secret string) error {
	sub, err := websub.NewSubscription(callback, topic, leaseSeconds, secret, s.clock.Now())
	if err != nil {
		return err
	}

	err = s.store.CreateSubscription(ctx, sub)
	if err == nil {
		s.logger.Info("Subscription requested", "subscription", sub.ID, "callback", callback, "topic", topic, "lease", sub.LeaseSeconds)
		return nil
	}
	if !errors.Is(err, db.ErrConflict) {
		return err
	}

	existing, err := s.store.FindSubscriptionFor(ctx, callback, topic)
	if err != nil {
		return fmt.Errorf("renew subscription: %w", err)
	}
	if err := existing.Renew(leaseSeconds, secret); err != nil {
		return err
	}
	if err := s.store.UpdateSubscription(ctx, existing); err != nil {
		return err
	}
	s.logger.Info("Subscription renewal requested", "subscription", existing.ID, "status", existing.Status, "lease", *existing.PendingLeaseSeconds)
	return nil
}

// Unsubscribe records an unsubscription request for an existing
// subscription.
func (s *Service) Unsubscribe(ctx context.Context, callback, topic string) error {
	errs := websub.ValidateURL("callback", callback).Append(websub.ValidateURL("topic", topic))
	if err := errs.Err(); err != nil {
		return err
	}

	sub, err := s.store.FindSubscriptionFor(ctx, callback, topic)
	if errors.Is(err, db.ErrNotFound) {
		return websub.ValidationErrors{}.Add("callback", websub.CodeUnknown, "has no subscription to this topic")
	}
	if err != nil {
		return err
	}

	sub.RequestUnsubscription()
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return err
	}
	s.logger.Info("Unsubscription requested", "subscription", sub.ID, "callback", callback, "topic", topic)
	return nil
}

// Publish records that the topic at url has new content. While an earlier
// publish of the same url is still waiting to be fetched, the request is
// folded into it.
func (s *Service) Publish(ctx context.Context, url string) error {
	c, err := websub.NewContent(url, s.clock.Now())
	if err != nil {
		return err
	}
	if !s.origins.Allowlist().Allows(url) {
		return websub.ValidationErrors{}.Add("url", websub.CodeNotAllowed, "is not served by this hub")
	}

	created, err := s.store.CreateContent(ctx, c)
	if err != nil {
		return err
	}
	if !created {
		s.logger.Debug("Publish folded into pending content", "content", c.ID, "url", url)
		return nil
	}
	s.logger.Info("Content published", "content", c.ID, "url", url)
	return nil
}
