package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dikkadev/websubhub/pkg/websub"
	"github.com/jmoiron/sqlx"
)

const deliveryColumns = `id, subscription_id, content_id, created_at, try_at, tries_count`

type dbDelivery struct {
	ID             string `db:"id"`
	SubscriptionID string `db:"subscription_id"`
	ContentID      string `db:"content_id"`
	CreatedAt      int64  `db:"created_at"`
	TryAt          int64  `db:"try_at"`
	TriesCount     int    `db:"tries_count"`
}

func toDBDelivery(d *websub.Delivery) dbDelivery {
	return dbDelivery{
		ID:             d.ID,
		SubscriptionID: d.SubscriptionID,
		ContentID:      d.ContentID,
		CreatedAt:      toMillis(d.CreatedAt),
		TryAt:          toMillis(d.TryAt),
		TriesCount:     d.TriesCount,
	}
}

func fromDBDelivery(dbD dbDelivery) *websub.Delivery {
	return &websub.Delivery{
		ID:             dbD.ID,
		SubscriptionID: dbD.SubscriptionID,
		ContentID:      dbD.ContentID,
		CreatedAt:      fromMillis(dbD.CreatedAt),
		TryAt:          fromMillis(dbD.TryAt),
		TriesCount:     dbD.TriesCount,
	}
}

type DeliveryFilter struct {
	IDs             []string
	ContentIDs      []string
	SubscriptionIDs []string
}

func (f DeliveryFilter) where() *where {
	w := &where{}
	if len(f.IDs) > 0 {
		w.add("id IN (?)", f.IDs)
	}
	if len(f.ContentIDs) > 0 {
		w.add("content_id IN (?)", f.ContentIDs)
	}
	if len(f.SubscriptionIDs) > 0 {
		w.add("subscription_id IN (?)", f.SubscriptionIDs)
	}
	return w
}

func insertDelivery(ctx context.Context, ext sqlx.ExtContext, d *websub.Delivery) error {
	if d.ID == "" {
		d.ID = newID()
	}
	q := `INSERT INTO deliveries (` + deliveryColumns + `)
		VALUES (:id, :subscription_id, :content_id, :created_at, :try_at, :tries_count)`
	if _, err := sqlx.NamedExecContext(ctx, ext, q, toDBDelivery(d)); err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}
	return nil
}

func (s *LibSQL) CreateDelivery(ctx context.Context, d *websub.Delivery) error {
	return insertDelivery(ctx, s.db, d)
}

func (s *LibSQL) FindDelivery(ctx context.Context, id string) (*websub.Delivery, error) {
	var dbD dbDelivery
	q := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = ?`
	if err := s.db.GetContext(ctx, &dbD, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return fromDBDelivery(dbD), nil
}

func (s *LibSQL) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*websub.Delivery, error) {
	q, args, err := filter.where().build(`SELECT ` + deliveryColumns + ` FROM deliveries`)
	if err != nil {
		return nil, fmt.Errorf("failed to build delivery query: %w", err)
	}

	var rows []dbDelivery
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q+" ORDER BY try_at, id"), args...); err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}

	deliveries := make([]*websub.Delivery, 0, len(rows))
	for _, row := range rows {
		deliveries = append(deliveries, fromDBDelivery(row))
	}
	return deliveries, nil
}

// UpdateDelivery persists the retry bookkeeping of d.
func (s *LibSQL) UpdateDelivery(ctx context.Context, d *websub.Delivery) error {
	res, err := s.db.ExecContext(ctx, `UPDATE deliveries SET try_at = ?, tries_count = ? WHERE id = ?`,
		toMillis(d.TryAt), d.TriesCount, d.ID)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("delivery %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

func (s *LibSQL) DeleteDeliveries(ctx context.Context, ids ...string) (int64, error) {
	var deleted int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := deleteIn(ctx, tx, "deliveries", "id", ids)
		deleted = n
		return err
	})
	return deleted, err
}

// DeleteDeliveryAndSubscription removes a delivery and the subscription it
// targets, along with the subscription's other deliveries, atomically.
func (s *LibSQL) DeleteDeliveryAndSubscription(ctx context.Context, deliveryID, subscriptionID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := deleteIn(ctx, tx, "deliveries", "id", []string{deliveryID}); err != nil {
			return err
		}
		if _, err := deleteIn(ctx, tx, "deliveries", "subscription_id", []string{subscriptionID}); err != nil {
			return err
		}
		_, err := deleteIn(ctx, tx, "subscriptions", "id", []string{subscriptionID})
		return err
	})
}

func (s *LibSQL) CountDeliveries(ctx context.Context) (int, error) {
	return count(ctx, s.db, "deliveries")
}
