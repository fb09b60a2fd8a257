package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dikkadev/websubhub/pkg/websub"
	"github.com/jmoiron/sqlx"
)

const contentColumns = `id, url, status, fetched_at, links, type, content, created_at`

type dbContent struct {
	ID        string        `db:"id"`
	URL       string        `db:"url"`
	Status    string        `db:"status"`
	FetchedAt sql.NullInt64 `db:"fetched_at"`
	Links     string        `db:"links"`
	Type      string        `db:"type"`
	Content   []byte        `db:"content"`
	CreatedAt int64         `db:"created_at"`
}

func toDBContent(c *websub.Content) dbContent {
	return dbContent{
		ID:        c.ID,
		URL:       c.URL,
		Status:    string(c.Status),
		FetchedAt: toNullMillis(c.FetchedAt),
		Links:     c.Links,
		Type:      c.Type,
		Content:   c.Body,
		CreatedAt: toMillis(c.CreatedAt),
	}
}

func fromDBContent(dbC dbContent) *websub.Content {
	return &websub.Content{
		ID:        dbC.ID,
		URL:       dbC.URL,
		Status:    websub.ContentStatus(dbC.Status),
		FetchedAt: fromNullMillis(dbC.FetchedAt),
		Links:     dbC.Links,
		Type:      dbC.Type,
		Body:      dbC.Content,
		CreatedAt: fromMillis(dbC.CreatedAt),
	}
}

type ContentFilter struct {
	IDs      []string
	Statuses []websub.ContentStatus
	URL      string
}

func (f ContentFilter) where() *where {
	w := &where{}
	if len(f.IDs) > 0 {
		w.add("id IN (?)", f.IDs)
	}
	if len(f.Statuses) > 0 {
		w.add("status IN (?)", statusStrings(f.Statuses))
	}
	if f.URL != "" {
		w.add("url = ?", f.URL)
	}
	return w
}

// CreateContent inserts c unless a content for the same URL is still
// waiting to be fetched. It reports whether a row was created; when it was
// not, c.ID is set to the existing row.
func (s *LibSQL) CreateContent(ctx context.Context, c *websub.Content) (bool, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	q := `INSERT INTO contents (` + contentColumns + `)
		VALUES (:id, :url, :status, :fetched_at, :links, :type, :content, :created_at)
		ON CONFLICT DO NOTHING`

	res, err := s.db.NamedExecContext(ctx, q, toDBContent(c))
	if err != nil {
		return false, fmt.Errorf("failed to insert content: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	existing, err := s.ListContents(ctx, ContentFilter{URL: c.URL, Statuses: []websub.ContentStatus{websub.ContentNew}})
	if err != nil {
		return false, err
	}
	if len(existing) == 0 {
		return false, fmt.Errorf("content %s: %w", c.ID, ErrConflict)
	}
	c.ID = existing[0].ID
	return false, nil
}

func (s *LibSQL) FindContent(ctx context.Context, id string) (*websub.Content, error) {
	var dbC dbContent
	q := `SELECT ` + contentColumns + ` FROM contents WHERE id = ?`
	if err := s.db.GetContext(ctx, &dbC, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("content %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get content: %w", err)
	}
	return fromDBContent(dbC), nil
}

func (s *LibSQL) ListContents(ctx context.Context, filter ContentFilter) ([]*websub.Content, error) {
	q, args, err := filter.where().build(`SELECT ` + contentColumns + ` FROM contents`)
	if err != nil {
		return nil, fmt.Errorf("failed to build content query: %w", err)
	}

	var rows []dbContent
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q+" ORDER BY created_at, id"), args...); err != nil {
		return nil, fmt.Errorf("failed to list contents: %w", err)
	}

	contents := make([]*websub.Content, 0, len(rows))
	for _, row := range rows {
		contents = append(contents, fromDBContent(row))
	}
	return contents, nil
}

func updateContent(ctx context.Context, ext sqlx.ExtContext, c *websub.Content) error {
	q := `UPDATE contents SET status = :status, fetched_at = :fetched_at, links = :links,
		type = :type, content = :content WHERE id = :id`

	res, err := sqlx.NamedExecContext(ctx, ext, q, toDBContent(c))
	if err != nil {
		return fmt.Errorf("failed to update content: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("content %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (s *LibSQL) UpdateContent(ctx context.Context, c *websub.Content) error {
	return updateContent(ctx, s.db, c)
}

// SaveFetchedContent persists a fetched content and the deliveries fanning
// it out in one transaction.
func (s *LibSQL) SaveFetchedContent(ctx context.Context, c *websub.Content, deliveries []*websub.Delivery) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := updateContent(ctx, tx, c); err != nil {
			return err
		}
		for _, d := range deliveries {
			if err := insertDelivery(ctx, tx, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteContents removes the contents together with their deliveries.
func (s *LibSQL) DeleteContents(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := deleteIn(ctx, tx, "deliveries", "content_id", ids); err != nil {
			return err
		}
		n, err := deleteIn(ctx, tx, "contents", "id", ids)
		deleted = n
		return err
	})
	return deleted, err
}

func (s *LibSQL) CountContents(ctx context.Context) (int, error) {
	return count(ctx, s.db, "contents")
}
