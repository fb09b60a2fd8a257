package websub

import "time"

const DefaultContentType = "application/octet-stream"

type ContentStatus string

const (
	ContentNew       ContentStatus = "new"
	ContentFetched   ContentStatus = "fetched"
	ContentDelivered ContentStatus = "delivered"
)

// Content is one fetched instance of a topic's payload.
type Content struct {
	ID        string
	URL       string
	Status    ContentStatus
	FetchedAt *time.Time
	Links     string
	Type      string
	Body      []byte
	CreatedAt time.Time
}

func NewContent(rawURL string, now time.Time) (*Content, error) {
	if err := ValidateURL("url", rawURL).Err(); err != nil {
		return nil, err
	}
	return &Content{
		URL:       rawURL,
		Status:    ContentNew,
		CreatedAt: now,
	}, nil
}

// Fetch stores the retrieved representation. Calling it again overwrites
// the previous one.
func (c *Content) Fetch(body []byte, contentType, links string, now time.Time) {
	fetchedAt := now
	c.Body = body
	c.Type = contentType
	c.Links = links
	c.FetchedAt = &fetchedAt
	c.Status = ContentFetched
}

func (c *Content) Deliver() error {
	if c.Status != ContentFetched {
		return ErrNotFetched
	}
	c.Status = ContentDelivered
	return nil
}
