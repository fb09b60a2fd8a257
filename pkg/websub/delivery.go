package websub

import "time"

const (
	MaxTries = 7
	// Retry n waits RetryBase^n seconds.
	RetryBase = 5
)

// Delivery is the obligation to send one Content to one Subscription.
type Delivery struct {
	ID             string
	SubscriptionID string
	ContentID      string
	CreatedAt      time.Time
	TryAt          time.Time
	TriesCount     int
}

func NewDelivery(subscriptionID, contentID string, now time.Time) *Delivery {
	return &Delivery{
		SubscriptionID: subscriptionID,
		ContentID:      contentID,
		CreatedAt:      now,
		TryAt:          now,
	}
}

func (d *Delivery) IsDue(now time.Time) bool {
	return !d.TryAt.After(now)
}

// RetryLater schedules the next attempt, or returns ErrMaxTries once the
// delivery has used up its attempts.
func (d *Delivery) RetryLater(now time.Time) error {
	if d.TriesCount >= MaxTries {
		return ErrMaxTries
	}
	d.TriesCount++
	d.TryAt = now.Add(RetryDelay(d.TriesCount))
	return nil
}

// RetryDelay is the wait after the given failed try.
func RetryDelay(tries int) time.Duration {
	seconds := int64(1)
	for i := 0; i < tries; i++ {
		seconds *= RetryBase
	}
	return time.Duration(seconds) * time.Second
}
