package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dikkadev/websubhub/internal/db"
	"github.com/dikkadev/websubhub/pkg/websub"
)

type DeliveryOutcome string

const (
	DeliveryNotDue    DeliveryOutcome = "not_due"
	DeliveryDelivered DeliveryOutcome = "delivered"
	DeliveryGone      DeliveryOutcome = "gone"
	DeliveryRetry     DeliveryOutcome = "retry"
	DeliveryAbandoned DeliveryOutcome = "abandoned"
	DeliveryOrphaned  DeliveryOutcome = "orphaned"
)

// Resolved reports whether the delivery no longer exists after this outcome.
func (o DeliveryOutcome) Resolved() bool {
	switch o {
	case DeliveryDelivered, DeliveryGone, DeliveryAbandoned, DeliveryOrphaned:
		return true
	}
	return false
}

// DeliveryDispatcher pushes fetched content to subscriber callbacks.
//
// https://www.w3.org/TR/websub/#content-distribution
type DeliveryDispatcher struct {
	deps   Deps
	logger *slog.Logger
}

func NewDeliveryDispatcher(deps Deps) *DeliveryDispatcher {
	return &DeliveryDispatcher{deps: deps, logger: deps.logger("dispatcher")}
}

// Dispatch attempts one due delivery of c and persists the result. Only
// store failures are returned as errors.
func (d *DeliveryDispatcher) Dispatch(ctx context.Context, c *websub.Content, delivery *websub.Delivery) (DeliveryOutcome, error) {
	now := d.deps.now()
	if !delivery.IsDue(now) {
		return DeliveryNotDue, nil
	}

	logger := d.logger.With("delivery", delivery.ID, "content", c.ID, "subscription", delivery.SubscriptionID)

	sub, err := d.deps.Store.FindSubscription(ctx, delivery.SubscriptionID)
	if errors.Is(err, db.ErrNotFound) {
		if _, err := d.deps.Store.DeleteDeliveries(ctx, delivery.ID); err != nil {
			return "", err
		}
		logger.Info("Subscription is gone, dropping delivery")
		return d.count(DeliveryOrphaned), nil
	}
	if err != nil {
		return "", err
	}

	header := http.Header{}
	header.Set("Content-Type", c.Type)
	header.Set("Link", c.Links)
	if sub.Secret != "" {
		header.Set("X-Hub-Signature", websub.Sign(c.Body, sub.Secret))
	}

	resp, err := d.deps.Client.Post(ctx, sub.Callback, c.Body, header)
	switch {
	case err == nil && resp.StatusCode == http.StatusGone:
		if err := d.deps.Store.DeleteDeliveryAndSubscription(ctx, delivery.ID, sub.ID); err != nil {
			return "", err
		}
		logger.Info("Subscriber is gone, subscription removed", "callback", sub.Callback)
		return d.count(DeliveryGone), nil
	case err == nil && resp.IsSuccess():
		if _, err := d.deps.Store.DeleteDeliveries(ctx, delivery.ID); err != nil {
			return "", err
		}
		logger.Debug("Content delivered", "status", resp.StatusCode)
		return d.count(DeliveryDelivered), nil
	case err != nil:
		logger.Info("Delivery failed", "err", err)
	default:
		logger.Info("Delivery failed", "status", resp.StatusCode)
	}

	if err := delivery.RetryLater(now); err != nil {
		if !errors.Is(err, websub.ErrMaxTries) {
			return "", err
		}
		if _, err := d.deps.Store.DeleteDeliveries(ctx, delivery.ID); err != nil {
			return "", err
		}
		logger.Warn("Delivery abandoned, max tries reached", "tries", delivery.TriesCount, "callback", sub.Callback)
		return d.count(DeliveryAbandoned), nil
	}
	if err := d.deps.Store.UpdateDelivery(ctx, delivery); err != nil {
		return "", fmt.Errorf("schedule retry of delivery %s: %w", delivery.ID, err)
	}
	logger.Debug("Delivery rescheduled", "tries", delivery.TriesCount, "try_at", delivery.TryAt)
	return d.count(DeliveryRetry), nil
}

func (d *DeliveryDispatcher) count(o DeliveryOutcome) DeliveryOutcome {
	deliveriesTotal.WithLabelValues(string(o)).Inc()
	return o
}
