package jobs

import (
	"context"
	"log/slog"

	"github.com/dikkadev/websubhub/pkg/websub"
)

type VerifyOutcome string

const (
	VerifyConfirmed    VerifyOutcome = "confirmed"
	VerifyBodyMismatch VerifyOutcome = "body_mismatch"
	VerifyBadStatus    VerifyOutcome = "bad_status"
	VerifyUnreachable  VerifyOutcome = "unreachable"
)

// IntentVerifier runs the challenge/response handshake against a
// subscriber's callback.
//
// https://www.w3.org/TR/websub/#hub-verifies-intent-of-the-subscriber
type IntentVerifier struct {
	deps   Deps
	logger *slog.Logger
}

func NewIntentVerifier(deps Deps) *IntentVerifier {
	return &IntentVerifier{deps: deps, logger: deps.logger("verifier")}
}

// Verify confirms the pending intent of sub and applies the result to it:
// a confirmed subscribe is activated, any failure cancels the request and
// leaves the status untouched. A confirmed unsubscribe is left for the
// caller to delete. The returned error is only set when the handshake could
// not be attempted at all.
func (v *IntentVerifier) Verify(ctx context.Context, sub *websub.Subscription) (VerifyOutcome, error) {
	mode := sub.PendingRequest

	challenge, err := websub.NewChallenge()
	if err != nil {
		return "", err
	}
	callback, err := sub.IntentCallback(challenge)
	if err != nil {
		return "", err
	}

	logger := v.logger.With("subscription", sub.ID, "mode", mode, "callback", sub.Callback)

	outcome := VerifyConfirmed
	resp, err := v.deps.Client.Get(ctx, callback)
	switch {
	case err != nil:
		outcome = VerifyUnreachable
		logger.Info("Intent verification failed, callback unreachable", "err", err)
	case !resp.IsSuccess():
		outcome = VerifyBadStatus
		logger.Info("Intent verification failed, bad HTTP code", "status", resp.StatusCode)
	case string(resp.Body) != challenge:
		outcome = VerifyBodyMismatch
		logger.Info("Intent verification failed, body does not match challenge")
	}
	verificationsTotal.WithLabelValues(string(mode), string(outcome)).Inc()

	if outcome != VerifyConfirmed {
		sub.CancelRequest()
		return outcome, nil
	}

	if mode == websub.PendingSubscribe {
		if err := sub.Verify(v.deps.now()); err != nil {
			return "", err
		}
	}
	logger.Debug("Intent verified")
	return outcome, nil
}
