package jobs_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dikkadev/websubhub/internal/db"
	"github.com/dikkadev/websubhub/internal/jobs"
	"github.com/dikkadev/websubhub/pkg/websub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessSubscriptionsVerifiesNewSubscription(t *testing.T) {
	env := newTestEnv(t, "")
	subscriber := newEndpoint(t, echoChallenge)
	sub := env.subscribe(t, subscriber.URL("/cb"), "https://pub.example/feed", 432000, "")

	require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))

	got := env.findSubscription(t, sub.ID)
	assert.Equal(t, websub.SubscriptionVerified, got.Status)
	assert.Equal(t, websub.PendingNone, got.PendingRequest)
	require.NotNil(t, got.ExpiredAt)
	assert.WithinDuration(t, now.Add(432000*time.Second), *got.ExpiredAt, time.Second)
}

func TestProcessSubscriptionsFailedVerification(t *testing.T) {
	env := newTestEnv(t, "")
	subscriber := newEndpoint(t, respondWith(http.StatusNotFound))
	sub := env.subscribe(t, subscriber.URL("/cb"), "https://pub.example/feed", 432000, "")

	require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))

	got := env.findSubscription(t, sub.ID)
	assert.Equal(t, websub.SubscriptionValidated, got.Status)
	assert.Equal(t, websub.PendingNone, got.PendingRequest)
	assert.Nil(t, got.ExpiredAt)

	// nothing left to do for this row
	require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))
	assert.Len(t, subscriber.requests(), 1)
}

// renewDuring answers the first verification after storing a renewal of
// the subscription, as a subscribe request racing the job would.
func renewDuring(t *testing.T, env *testEnv, id *string, secret string) http.HandlerFunc {
	var once sync.Once
	return func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			sub, err := env.db.FindSubscription(env.ctx, *id)
			require.NoError(t, err)
			require.NoError(t, sub.Renew(86400, secret))
			require.NoError(t, env.db.UpdateSubscription(env.ctx, sub))
		})
		echoChallenge(w, r)
	}
}

func TestProcessSubscriptionsKeepsRequestsArrivingDuringVerification(t *testing.T) {
	t.Run("renewal during subscribe", func(t *testing.T) {
		env := newTestEnv(t, "")
		var id string
		subscriber := newEndpoint(t, renewDuring(t, env, &id, "fresh"))
		sub := env.subscribe(t, subscriber.URL("/cb"), "https://pub.example/feed", 432000, "")
		id = sub.ID

		require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))

		got := env.findSubscription(t, sub.ID)
		assert.Equal(t, websub.SubscriptionValidated, got.Status)
		assert.Equal(t, websub.PendingSubscribe, got.PendingRequest)
		require.NotNil(t, got.PendingSecret)
		assert.Equal(t, "fresh", *got.PendingSecret)

		// the renewal is verified on the next run
		require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))
		got = env.findSubscription(t, sub.ID)
		assert.Equal(t, websub.SubscriptionVerified, got.Status)
		assert.Equal(t, "fresh", got.Secret)
		assert.Equal(t, 86400, got.LeaseSeconds)
	})

	t.Run("renewal during unsubscribe", func(t *testing.T) {
		env := newTestEnv(t, "")
		var id string
		subscriber := newEndpoint(t, renewDuring(t, env, &id, ""))
		sub := env.verified(t, subscriber.URL("/cb"), "https://pub.example/feed", "")
		id = sub.ID
		sub.RequestUnsubscription()
		require.NoError(t, env.db.UpdateSubscription(env.ctx, sub))

		require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))

		got := env.findSubscription(t, sub.ID)
		assert.Equal(t, websub.SubscriptionVerified, got.Status)
		assert.Equal(t, websub.PendingSubscribe, got.PendingRequest)
	})
}

func TestProcessSubscriptionsDeniesDisallowedTopic(t *testing.T) {
	t.Run("notified subscriber is removed", func(t *testing.T) {
		env := newTestEnv(t, "https://allowed.example/")
		subscriber := newEndpoint(t, respondWith(http.StatusOK))
		sub := env.subscribe(t, subscriber.URL("/cb"), "https://other.example/feed", 0, "")

		require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))

		_, err := env.db.FindSubscription(env.ctx, sub.ID)
		assert.ErrorIs(t, err, db.ErrNotFound)

		reqs := subscriber.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, []string{"denied"}, reqs[0].Query["hub.mode"])
		assert.Equal(t, []string{"https://other.example/feed"}, reqs[0].Query["hub.topic"])
		assert.Equal(t, []string{websub.DefaultDenyReason}, reqs[0].Query["hub.reason"])
	})

	t.Run("unreachable subscriber is kept for a while", func(t *testing.T) {
		env := newTestEnv(t, "https://allowed.example/")
		sub := env.subscribe(t, unreachableURL(t), "https://other.example/feed", 0, "")

		require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))
		got := env.findSubscription(t, sub.ID)
		assert.Equal(t, websub.SubscriptionNew, got.Status)

		env.clock.Advance(jobs.DenyGracePeriod + time.Minute)
		require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))
		_, err := env.db.FindSubscription(env.ctx, sub.ID)
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("allowed topic is validated", func(t *testing.T) {
		env := newTestEnv(t, "https://allowed.example/")
		subscriber := newEndpoint(t, echoChallenge)
		sub := env.subscribe(t, subscriber.URL("/cb"), "https://allowed.example/feed", 0, "")

		require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))
		assert.Equal(t, websub.SubscriptionVerified, env.findSubscription(t, sub.ID).Status)
	})
}

func TestProcessSubscriptionsUnsubscribe(t *testing.T) {
	env := newTestEnv(t, "")
	confirming := newEndpoint(t, echoChallenge)
	refusing := newEndpoint(t, respondWith(http.StatusNotFound))

	confirmed := env.verified(t, confirming.URL("/cb"), "https://pub.example/feed", "")
	confirmed.RequestUnsubscription()
	require.NoError(t, env.db.UpdateSubscription(env.ctx, confirmed))

	refused := env.verified(t, refusing.URL("/cb"), "https://pub.example/feed", "")
	refused.RequestUnsubscription()
	require.NoError(t, env.db.UpdateSubscription(env.ctx, refused))

	require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))

	_, err := env.db.FindSubscription(env.ctx, confirmed.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	got := env.findSubscription(t, refused.ID)
	assert.Equal(t, websub.SubscriptionVerified, got.Status)
	assert.Equal(t, websub.PendingNone, got.PendingRequest)
}

func TestProcessSubscriptionsRenewal(t *testing.T) {
	env := newTestEnv(t, "")
	subscriber := newEndpoint(t, echoChallenge)
	sub := env.verified(t, subscriber.URL("/cb"), "https://pub.example/feed", "old")

	require.NoError(t, sub.Renew(100000, "new"))
	require.NoError(t, env.db.UpdateSubscription(env.ctx, sub))

	// the lease ran out while the renewal was pending
	env.clock.Advance(time.Duration(websub.DefaultLeaseSeconds+1) * time.Second)
	require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))

	got := env.findSubscription(t, sub.ID)
	assert.Equal(t, websub.SubscriptionVerified, got.Status, "renewal wins over expiry")
	assert.Equal(t, 100000, got.LeaseSeconds)
	assert.Equal(t, "new", got.Secret)
	assert.Nil(t, got.PendingLeaseSeconds)
	assert.Nil(t, got.PendingSecret)
	require.NotNil(t, got.ExpiredAt)
	assert.WithinDuration(t, env.clock.Now().Add(100000*time.Second), *got.ExpiredAt, time.Second)
}

func TestProcessSubscriptionsExpiry(t *testing.T) {
	env := newTestEnv(t, "")
	subscriber := newEndpoint(t, echoChallenge)

	elapsed := env.verified(t, subscriber.URL("/a"), "https://pub.example/feed", "")
	active := env.verified(t, subscriber.URL("/b"), "https://pub.example/feed", "")
	*active.ExpiredAt = now.Add(30 * 24 * time.Hour)
	require.NoError(t, env.db.UpdateSubscription(env.ctx, active))

	env.clock.Advance(time.Duration(websub.DefaultLeaseSeconds) * time.Second)
	require.NoError(t, jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx))

	assert.Equal(t, websub.SubscriptionExpired, env.findSubscription(t, elapsed.ID).Status)
	assert.Equal(t, websub.SubscriptionVerified, env.findSubscription(t, active.ID).Status)
	assert.Empty(t, subscriber.requests())
}

func TestProcessSubscriptionsIsRepeatable(t *testing.T) {
	env := newTestEnv(t, "")
	subscriber := newEndpoint(t, echoChallenge)
	sub := env.subscribe(t, subscriber.URL("/cb"), "https://pub.example/feed", 0, "")

	job := jobs.NewProcessSubscriptions(env.deps)
	for range 3 {
		require.NoError(t, job.Perform(env.ctx))
	}

	assert.Equal(t, websub.SubscriptionVerified, env.findSubscription(t, sub.ID).Status)
	assert.Len(t, subscriber.requests(), 1)
}

type failingStore struct {
	jobs.Store
	err error
}

func (s failingStore) ListSubscriptions(ctx context.Context, filter db.SubscriptionFilter) ([]*websub.Subscription, error) {
	return nil, s.err
}

func TestProcessSubscriptionsReportsStoreErrors(t *testing.T) {
	env := newTestEnv(t, "")
	storeDown := errors.New("store down")
	env.deps.Store = failingStore{Store: env.db, err: storeDown}

	err := jobs.NewProcessSubscriptions(env.deps).Perform(env.ctx)
	assert.ErrorIs(t, err, storeDown)
}
