package jobs_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dikkadev/websubhub/internal/clock"
	"github.com/dikkadev/websubhub/internal/db"
	"github.com/dikkadev/websubhub/internal/db/dbtest"
	"github.com/dikkadev/websubhub/internal/httpclient"
	"github.com/dikkadev/websubhub/internal/jobs"
	"github.com/dikkadev/websubhub/internal/origins"
	"github.com/dikkadev/websubhub/pkg/websub"
	"github.com/stretchr/testify/require"
)

const hubURL = "http://hub.example/"

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	ctx   context.Context
	db    *db.LibSQL
	clock *clock.Frozen
	deps  jobs.Deps
}

func newTestEnv(t *testing.T, allowedOrigins string) *testEnv {
	t.Helper()

	database := dbtest.New(t)
	c := clock.NewFrozen(now)
	return &testEnv{
		ctx:   context.Background(),
		db:    database,
		clock: c,
		deps: jobs.Deps{
			Store:   database,
			Client:  httpclient.New(httpclient.WithTimeout(2 * time.Second)),
			Clock:   c,
			Origins: origins.NewStatic(allowedOrigins),
			HubURL:  hubURL,
		},
	}
}

// subscribe stores a new subscription as the subscribe handler would.
func (e *testEnv) subscribe(t *testing.T, callback, topic string, lease int, secret string) *websub.Subscription {
	t.Helper()
	sub, err := websub.NewSubscription(callback, topic, lease, secret, e.clock.Now())
	require.NoError(t, err)
	require.NoError(t, e.db.CreateSubscription(e.ctx, sub))
	return sub
}

// verified stores a subscription that already went through verification.
func (e *testEnv) verified(t *testing.T, callback, topic, secret string) *websub.Subscription {
	t.Helper()
	sub, err := websub.NewSubscription(callback, topic, 0, secret, e.clock.Now())
	require.NoError(t, err)
	require.NoError(t, sub.Verify(e.clock.Now()))
	require.NoError(t, e.db.CreateSubscription(e.ctx, sub))
	return sub
}

func (e *testEnv) publish(t *testing.T, url string) *websub.Content {
	t.Helper()
	c, err := websub.NewContent(url, e.clock.Now())
	require.NoError(t, err)
	_, err = e.db.CreateContent(e.ctx, c)
	require.NoError(t, err)
	return c
}

// fetched stores an already fetched content with one delivery per
// subscription.
func (e *testEnv) fetched(t *testing.T, url string, body string, subs ...*websub.Subscription) (*websub.Content, []*websub.Delivery) {
	t.Helper()
	c := e.publish(t, url)
	c.Fetch([]byte(body), "text/plain", `<`+hubURL+`>; rel="hub"`, e.clock.Now())

	deliveries := make([]*websub.Delivery, len(subs))
	for i, sub := range subs {
		deliveries[i] = websub.NewDelivery(sub.ID, c.ID, e.clock.Now())
	}
	require.NoError(t, e.db.SaveFetchedContent(e.ctx, c, deliveries))
	return c, deliveries
}

func (e *testEnv) findSubscription(t *testing.T, id string) *websub.Subscription {
	t.Helper()
	sub, err := e.db.FindSubscription(e.ctx, id)
	require.NoError(t, err)
	return sub
}

type recordedRequest struct {
	Method string
	Query  map[string][]string
	Header http.Header
	Body   []byte
}

// endpoint is a fake subscriber or publisher that records what it receives.
type endpoint struct {
	server  *httptest.Server
	mu      sync.Mutex
	handler http.HandlerFunc
	reqs    []recordedRequest
}

func newEndpoint(t *testing.T, handler http.HandlerFunc) *endpoint {
	t.Helper()
	e := &endpoint{handler: handler}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.reqs = append(e.reqs, recordedRequest{
			Method: r.Method,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		handler := e.handler
		e.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(e.server.Close)
	return e
}

func (e *endpoint) URL(path string) string {
	return e.server.URL + path
}

func (e *endpoint) setHandler(handler http.HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *endpoint) requests() []recordedRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recordedRequest(nil), e.reqs...)
}

func echoChallenge(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, r.URL.Query().Get("hub.challenge"))
}

func respondWith(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// unreachableURL points at a server that is already shut down.
func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/cb"
	srv.Close()
	return url
}
