package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dikkadev/websubhub/pkg/websub"
	"github.com/jmoiron/sqlx"
)

const subscriptionColumns = `id, callback, topic, status, lease_seconds, secret, pending_request,
	pending_lease_seconds, pending_secret, created_at, expired_at`

type dbSubscription struct {
	ID                  string         `db:"id"`
	Callback            string         `db:"callback"`
	Topic               string         `db:"topic"`
	Status              string         `db:"status"`
	LeaseSeconds        int            `db:"lease_seconds"`
	Secret              string         `db:"secret"`
	PendingRequest      sql.NullString `db:"pending_request"`
	PendingLeaseSeconds sql.NullInt64  `db:"pending_lease_seconds"`
	PendingSecret       sql.NullString `db:"pending_secret"`
	CreatedAt           int64          `db:"created_at"`
	ExpiredAt           sql.NullInt64  `db:"expired_at"`
}

func toDBSubscription(sub *websub.Subscription) dbSubscription {
	dbSub := dbSubscription{
		ID:           sub.ID,
		Callback:     sub.Callback,
		Topic:        sub.Topic,
		Status:       string(sub.Status),
		LeaseSeconds: sub.LeaseSeconds,
		Secret:       sub.Secret,
		CreatedAt:    toMillis(sub.CreatedAt),
		ExpiredAt:    toNullMillis(sub.ExpiredAt),
	}
	if sub.PendingRequest != websub.PendingNone {
		dbSub.PendingRequest = sql.NullString{String: string(sub.PendingRequest), Valid: true}
	}
	if sub.PendingLeaseSeconds != nil {
		dbSub.PendingLeaseSeconds = sql.NullInt64{Int64: int64(*sub.PendingLeaseSeconds), Valid: true}
	}
	if sub.PendingSecret != nil {
		dbSub.PendingSecret = sql.NullString{String: *sub.PendingSecret, Valid: true}
	}
	return dbSub
}

func fromDBSubscription(dbSub dbSubscription) *websub.Subscription {
	sub := &websub.Subscription{
		ID:             dbSub.ID,
		Callback:       dbSub.Callback,
		Topic:          dbSub.Topic,
		Status:         websub.SubscriptionStatus(dbSub.Status),
		LeaseSeconds:   dbSub.LeaseSeconds,
		Secret:         dbSub.Secret,
		PendingRequest: websub.PendingRequest(dbSub.PendingRequest.String),
		CreatedAt:      fromMillis(dbSub.CreatedAt),
		ExpiredAt:      fromNullMillis(dbSub.ExpiredAt),
	}
	if dbSub.PendingLeaseSeconds.Valid {
		lease := int(dbSub.PendingLeaseSeconds.Int64)
		sub.PendingLeaseSeconds = &lease
	}
	if dbSub.PendingSecret.Valid {
		secret := dbSub.PendingSecret.String
		sub.PendingSecret = &secret
	}
	return sub
}

// SubscriptionFilter selects subscriptions. Empty fields match everything;
// set fields are combined with AND.
type SubscriptionFilter struct {
	IDs      []string
	Statuses []websub.SubscriptionStatus
	Topic    string
	Callback string
	// Pending selects rows with a pending request.
	Pending bool
	// ExcludeStatuses drops rows in any of these statuses.
	ExcludeStatuses []websub.SubscriptionStatus
	CreatedBefore   *time.Time
	ExpiredBefore   *time.Time
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (f SubscriptionFilter) where() *where {
	w := &where{}
	if len(f.IDs) > 0 {
		w.add("id IN (?)", f.IDs)
	}
	if len(f.Statuses) > 0 {
		w.add("status IN (?)", statusStrings(f.Statuses))
	}
	if len(f.ExcludeStatuses) > 0 {
		w.add("status NOT IN (?)", statusStrings(f.ExcludeStatuses))
	}
	if f.Topic != "" {
		w.add("topic = ?", f.Topic)
	}
	if f.Callback != "" {
		w.add("callback = ?", f.Callback)
	}
	if f.Pending {
		w.add("pending_request IS NOT NULL")
	}
	if f.CreatedBefore != nil {
		w.add("created_at < ?", toMillis(*f.CreatedBefore))
	}
	if f.ExpiredBefore != nil {
		w.add("expired_at < ?", toMillis(*f.ExpiredBefore))
	}
	return w
}

// CreateSubscription inserts sub and assigns its ID.
func (s *LibSQL) CreateSubscription(ctx context.Context, sub *websub.Subscription) error {
	if sub.ID == "" {
		sub.ID = newID()
	}
	q := `INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES (:id, :callback, :topic, :status, :lease_seconds, :secret, :pending_request,
		:pending_lease_seconds, :pending_secret, :created_at, :expired_at)`

	if _, err := s.db.NamedExecContext(ctx, q, toDBSubscription(sub)); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("subscription %s for %s: %w", sub.Callback, sub.Topic, ErrConflict)
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

func (s *LibSQL) FindSubscription(ctx context.Context, id string) (*websub.Subscription, error) {
	var dbSub dbSubscription
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = ?`
	if err := s.db.GetContext(ctx, &dbSub, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return fromDBSubscription(dbSub), nil
}

// FindSubscriptionFor looks up the registration of callback to topic.
func (s *LibSQL) FindSubscriptionFor(ctx context.Context, callback, topic string) (*websub.Subscription, error) {
	subs, err := s.ListSubscriptions(ctx, SubscriptionFilter{Callback: callback, Topic: topic})
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("subscription %s for %s: %w", callback, topic, ErrNotFound)
	}
	return subs[0], nil
}

func (s *LibSQL) ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*websub.Subscription, error) {
	q, args, err := filter.where().build(`SELECT ` + subscriptionColumns + ` FROM subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("failed to build subscription query: %w", err)
	}

	var rows []dbSubscription
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q+" ORDER BY created_at, id"), args...); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	subs := make([]*websub.Subscription, 0, len(rows))
	for _, row := range rows {
		subs = append(subs, fromDBSubscription(row))
	}
	return subs, nil
}

// UpdateSubscription writes every mutable column of sub.
func (s *LibSQL) UpdateSubscription(ctx context.Context, sub *websub.Subscription) error {
	q := `UPDATE subscriptions SET status = :status, lease_seconds = :lease_seconds, secret = :secret,
		pending_request = :pending_request, pending_lease_seconds = :pending_lease_seconds,
		pending_secret = :pending_secret, expired_at = :expired_at
		WHERE id = :id`

	res, err := s.db.NamedExecContext(ctx, q, toDBSubscription(sub))
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrNotFound)
	}
	return nil
}

// samePending matches a row whose pending request is still the one seen
// holds. IS compares NULLs as equal.
const samePending = `pending_request IS ? AND pending_lease_seconds IS ? AND pending_secret IS ?`

func pendingArgs(seen *websub.Subscription) []any {
	dbSeen := toDBSubscription(seen)
	return []any{dbSeen.PendingRequest, dbSeen.PendingLeaseSeconds, dbSeen.PendingSecret}
}

// ResolveSubscription writes sub after its pending request was verified or
// refused. The write only happens while the row still carries the pending
// request of seen, the row as it was read before verification; otherwise
// ErrStale is returned and the newer request is left for the next pass.
func (s *LibSQL) ResolveSubscription(ctx context.Context, sub, seen *websub.Subscription) error {
	dbSub := toDBSubscription(sub)
	q := `UPDATE subscriptions SET status = ?, lease_seconds = ?, secret = ?,
		pending_request = ?, pending_lease_seconds = ?, pending_secret = ?, expired_at = ?
		WHERE id = ? AND ` + samePending
	args := append([]any{dbSub.Status, dbSub.LeaseSeconds, dbSub.Secret,
		dbSub.PendingRequest, dbSub.PendingLeaseSeconds, dbSub.PendingSecret, dbSub.ExpiredAt,
		dbSub.ID}, pendingArgs(seen)...)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrStale)
	}
	return nil
}

// DeleteResolvedSubscription removes a subscription whose unsubscription
// was verified, under the same condition as ResolveSubscription.
func (s *LibSQL) DeleteResolvedSubscription(ctx context.Context, seen *websub.Subscription) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		q := `DELETE FROM subscriptions WHERE id = ? AND ` + samePending
		res, err := tx.ExecContext(ctx, tx.Rebind(q), append([]any{seen.ID}, pendingArgs(seen)...)...)
		if err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("subscription %s: %w", seen.ID, ErrStale)
		}
		_, err = deleteIn(ctx, tx, "deliveries", "subscription_id", []string{seen.ID})
		return err
	})
}

// DeleteSubscriptions removes the subscriptions together with their
// outstanding deliveries.
func (s *LibSQL) DeleteSubscriptions(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := deleteIn(ctx, tx, "deliveries", "subscription_id", ids); err != nil {
			return err
		}
		n, err := deleteIn(ctx, tx, "subscriptions", "id", ids)
		deleted = n
		return err
	})
	return deleted, err
}

func (s *LibSQL) CountSubscriptions(ctx context.Context) (int, error) {
	return count(ctx, s.db, "subscriptions")
}
