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
	ProcessSubscriptionsName      = "ProcessSubscriptions"
	ProcessSubscriptionsFrequency = 5 * time.Second

	// Denied subscriptions whose denial could not be delivered are dropped
	// after this long.
	DenyGracePeriod = 24 * time.Hour
)

// ProcessSubscriptions validates new subscriptions against the origin
// allowlist, verifies pending intents and expires elapsed leases, in that
// order.
type ProcessSubscriptions struct {
	deps     Deps
	verifier *IntentVerifier
	logger   *slog.Logger
}

func NewProcessSubscriptions(deps Deps) *ProcessSubscriptions {
	return &ProcessSubscriptions{
		deps:     deps,
		verifier: NewIntentVerifier(deps),
		logger:   deps.logger("subscriptions"),
	}
}

func (j *ProcessSubscriptions) Name() string {
	return ProcessSubscriptionsName
}

func (j *ProcessSubscriptions) Schedule() Schedule {
	return Every(ProcessSubscriptionsFrequency)
}

func (j *ProcessSubscriptions) Perform(ctx context.Context) error {
	validateErr := j.validate(ctx)

	// Only rows that were verified before this run are expiry candidates.
	candidates, err := j.deps.Store.ListSubscriptions(ctx, db.SubscriptionFilter{
		Statuses: []websub.SubscriptionStatus{websub.SubscriptionVerified},
	})
	if err != nil {
		return errors.Join(validateErr, err)
	}

	verifyErr := j.verify(ctx)
	expireErr := j.expire(ctx, candidates)
	return errors.Join(validateErr, verifyErr, expireErr)
}

func (j *ProcessSubscriptions) validate(ctx context.Context) error {
	subs, err := j.deps.Store.ListSubscriptions(ctx, db.SubscriptionFilter{
		Statuses: []websub.SubscriptionStatus{websub.SubscriptionNew},
	})
	if err != nil {
		return err
	}

	allowlist := j.deps.Origins.Allowlist()
	var errs []error
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sub.IsAllowed(allowlist) {
			sub.Status = websub.SubscriptionValidated
			if err := j.deps.Store.UpdateSubscription(ctx, sub); err != nil {
				errs = append(errs, fmt.Errorf("validate subscription %s: %w", sub.ID, err))
				continue
			}
			validationsTotal.WithLabelValues("allowed").Inc()
			continue
		}

		validationsTotal.WithLabelValues("denied").Inc()
		if err := j.deny(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deny notifies the subscriber that the topic was refused and deletes the
// subscription once the notice went through or the grace period is over.
func (j *ProcessSubscriptions) deny(ctx context.Context, sub *websub.Subscription) error {
	logger := j.logger.With("subscription", sub.ID, "topic", sub.Topic)

	notified := false
	resp, err := j.deps.Client.Get(ctx, sub.DenyCallback(""))
	switch {
	case err != nil:
		logger.Info("Denial notice failed", "err", err)
	case !resp.IsSuccess():
		logger.Info("Denial notice failed", "status", resp.StatusCode)
	default:
		notified = true
	}

	expired := sub.CreatedAt.Before(j.deps.now().Add(-DenyGracePeriod))
	if !notified && !expired {
		return nil
	}

	if _, err := j.deps.Store.DeleteSubscriptions(ctx, sub.ID); err != nil {
		return fmt.Errorf("delete denied subscription %s: %w", sub.ID, err)
	}
	logger.Info("Denied subscription removed", "notified", notified)
	return nil
}

func (j *ProcessSubscriptions) verify(ctx context.Context) error {
	subs, err := j.deps.Store.ListSubscriptions(ctx, db.SubscriptionFilter{
		Pending:         true,
		ExcludeStatuses: []websub.SubscriptionStatus{websub.SubscriptionNew},
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen := *sub
		outcome, err := j.verifier.Verify(ctx, sub)
		if err != nil {
			j.logger.Warn("Skipping verification", "subscription", sub.ID, "err", err)
			continue
		}

		if outcome == VerifyConfirmed && seen.PendingRequest == websub.PendingUnsubscribe {
			err = j.deps.Store.DeleteResolvedSubscription(ctx, &seen)
		} else {
			err = j.deps.Store.ResolveSubscription(ctx, sub, &seen)
		}
		switch {
		case errors.Is(err, db.ErrStale):
			j.logger.Info("Subscription changed during verification", "subscription", sub.ID)
		case err != nil:
			errs = append(errs, fmt.Errorf("save verification of %s: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (j *ProcessSubscriptions) expire(ctx context.Context, candidates []*websub.Subscription) error {
	now := j.deps.now()

	var errs []error
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !candidate.ShouldExpire(now) {
			continue
		}

		// the verification pass may have changed or removed the row
		sub, err := j.deps.Store.FindSubscription(ctx, candidate.ID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if err := sub.Expire(now); err != nil {
			j.logger.Debug("Not expiring subscription", "subscription", sub.ID, "err", err)
			continue
		}
		if err := j.deps.Store.UpdateSubscription(ctx, sub); err != nil {
			errs = append(errs, fmt.Errorf("expire subscription %s: %w", sub.ID, err))
			continue
		}
		expirationsTotal.Inc()
		j.logger.Info("Subscription expired", "subscription", sub.ID, "topic", sub.Topic)
	}
	return errors.Join(errs...)
}
