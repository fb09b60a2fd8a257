package websub

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	MinLeaseSeconds     = 86400
	MaxLeaseSeconds     = 1296000
	DefaultLeaseSeconds = 864000
	MaxSecretLength     = 200

	DefaultDenyReason = "Topic denied"
)

type SubscriptionStatus string

const (
	SubscriptionNew       SubscriptionStatus = "new"
	SubscriptionValidated SubscriptionStatus = "validated"
	SubscriptionVerified  SubscriptionStatus = "verified"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// PendingRequest is the intent awaiting verification. The zero value means
// nothing is pending.
type PendingRequest string

const (
	PendingNone        PendingRequest = ""
	PendingSubscribe   PendingRequest = "subscribe"
	PendingUnsubscribe PendingRequest = "unsubscribe"
)

// https://www.w3.org/TR/websub/#subscriber-sends-subscription-request
type Subscription struct {
	ID       string
	Callback string
	Topic    string
	Status   SubscriptionStatus

	LeaseSeconds int
	Secret       string

	// Staged values, only set together with PendingSubscribe on renewal.
	PendingRequest      PendingRequest
	PendingLeaseSeconds *int
	PendingSecret       *string

	CreatedAt time.Time
	ExpiredAt *time.Time
}

// ClampLease maps a requested lease into [MinLeaseSeconds, MaxLeaseSeconds].
// Zero selects DefaultLeaseSeconds.
func ClampLease(seconds int) int {
	switch {
	case seconds == 0:
		return DefaultLeaseSeconds
	case seconds < MinLeaseSeconds:
		return MinLeaseSeconds
	case seconds > MaxLeaseSeconds:
		return MaxLeaseSeconds
	}
	return seconds
}

// NewSubscription validates the request and returns a subscription waiting
// for validation with a pending subscribe intent.
func NewSubscription(callback, topic string, leaseSeconds int, secret string, now time.Time) (*Subscription, error) {
	errs := ValidateURL("callback", callback).
		Append(ValidateURL("topic", topic), validateSecret(secret))
	if err := errs.Err(); err != nil {
		return nil, err
	}

	return &Subscription{
		Callback:       callback,
		Topic:          topic,
		Status:         SubscriptionNew,
		LeaseSeconds:   ClampLease(leaseSeconds),
		Secret:         secret,
		PendingRequest: PendingSubscribe,
		CreatedAt:      now,
	}, nil
}

func (s *Subscription) IsAllowed(allowlist Allowlist) bool {
	return allowlist.Allows(s.Topic)
}

// Renew stages a new lease and secret. The active values only change once
// the renewal is verified.
func (s *Subscription) Renew(leaseSeconds int, secret string) error {
	if err := validateSecret(secret).Err(); err != nil {
		return err
	}
	lease := ClampLease(leaseSeconds)
	s.PendingRequest = PendingSubscribe
	s.PendingLeaseSeconds = &lease
	s.PendingSecret = &secret
	return nil
}

func (s *Subscription) RequestUnsubscription() {
	s.PendingRequest = PendingUnsubscribe
	s.PendingLeaseSeconds = nil
	s.PendingSecret = nil
}

// pendingLease is the lease that verification would activate.
func (s *Subscription) pendingLease() int {
	if s.PendingLeaseSeconds != nil {
		return *s.PendingLeaseSeconds
	}
	return s.LeaseSeconds
}

// IntentCallback builds the verification URL sent to the subscriber.
//
// https://www.w3.org/TR/websub/#hub-verifies-intent-of-the-subscriber
func (s *Subscription) IntentCallback(challenge string) (string, error) {
	if s.PendingRequest == PendingNone {
		return "", ErrNoPendingRequest
	}
	if challenge == "" {
		return "", ErrEmptyChallenge
	}

	params := []string{
		"hub.mode=" + url.QueryEscape(string(s.PendingRequest)),
		"hub.topic=" + url.QueryEscape(s.Topic),
		"hub.challenge=" + url.QueryEscape(challenge),
	}
	if s.PendingRequest == PendingSubscribe {
		params = append(params, "hub.lease_seconds="+strconv.Itoa(s.pendingLease()))
	}
	return appendQuery(s.Callback, params), nil
}

// DenyCallback builds the URL notifying the subscriber that the topic was
// refused.
//
// https://www.w3.org/TR/websub/#subscription-validation
func (s *Subscription) DenyCallback(reason string) string {
	if reason == "" {
		reason = DefaultDenyReason
	}
	return appendQuery(s.Callback, []string{
		"hub.mode=denied",
		"hub.topic=" + url.QueryEscape(s.Topic),
		"hub.reason=" + url.QueryEscape(reason),
	})
}

// appendQuery adds params to the query of base, ahead of any fragment.
func appendQuery(base string, params []string) string {
	base, fragment, hasFragment := strings.Cut(base, "#")
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	u := base + sep + strings.Join(params, "&")
	if hasFragment {
		u += "#" + fragment
	}
	return u
}

// Verify activates the pending intent. Staged lease and secret become the
// active values.
func (s *Subscription) Verify(now time.Time) error {
	if s.PendingRequest == PendingNone {
		return ErrNoPendingRequest
	}
	if s.PendingLeaseSeconds != nil {
		s.LeaseSeconds = *s.PendingLeaseSeconds
	}
	if s.PendingSecret != nil {
		s.Secret = *s.PendingSecret
	}

	expiredAt := now.Add(time.Duration(s.LeaseSeconds) * time.Second)
	s.Status = SubscriptionVerified
	s.ExpiredAt = &expiredAt
	s.PendingRequest = PendingNone
	s.PendingLeaseSeconds = nil
	s.PendingSecret = nil
	return nil
}

// CancelRequest drops the pending intent and leaves the status alone.
func (s *Subscription) CancelRequest() {
	s.PendingRequest = PendingNone
	s.PendingLeaseSeconds = nil
	s.PendingSecret = nil
}

func (s *Subscription) ShouldExpire(now time.Time) bool {
	return s.ExpiredAt != nil && !s.ExpiredAt.After(now)
}

func (s *Subscription) Expire(now time.Time) error {
	if s.Status != SubscriptionVerified || !s.ShouldExpire(now) {
		return ErrNotExpirable
	}
	s.Status = SubscriptionExpired
	return nil
}
