package api_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/dikkadev/websubhub/internal/api"
	"github.com/dikkadev/websubhub/internal/db/dbtest"
	"github.com/dikkadev/websubhub/internal/origins"
	"github.com/dikkadev/websubhub/internal/service"
	"github.com/dikkadev/websubhub/pkg/websub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	method   string
	callback string
	topic    string
	lease    int
	secret   string
}

type fakeService struct {
	calls []call
	err   error
}

func (s *fakeService) Subscribe(ctx context.Context, callback, topic string, leaseSeconds int, secret string) error {
	s.calls = append(s.calls, call{"subscribe", callback, topic, leaseSeconds, secret})
	return s.err
}

func (s *fakeService) Unsubscribe(ctx context.Context, callback, topic string) error {
	s.calls = append(s.calls, call{method: "unsubscribe", callback: callback, topic: topic})
	return s.err
}

func (s *fakeService) Publish(ctx context.Context, url string) error {
	s.calls = append(s.calls, call{method: "publish", topic: url})
	return s.err
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(ctx context.Context) error {
	return p.err
}

func post(t *testing.T, h http.Handler, form url.Values) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestHubModes(t *testing.T) {
	tests := []struct {
		name     string
		form     url.Values
		expected call
	}{
		{
			name: "subscribe",
			form: url.Values{
				"hub.mode":          {"subscribe"},
				"hub.callback":      {"https://sub.example/cb"},
				"hub.topic":         {"https://pub.example/feed"},
				"hub.lease_seconds": {"432000"},
				"hub.secret":        {"s3cret"},
			},
			expected: call{"subscribe", "https://sub.example/cb", "https://pub.example/feed", 432000, "s3cret"},
		},
		{
			name: "subscribe with default lease",
			form: url.Values{
				"hub.mode":     {"subscribe"},
				"hub.callback": {"https://sub.example/cb"},
				"hub.topic":    {"https://pub.example/feed"},
			},
			expected: call{"subscribe", "https://sub.example/cb", "https://pub.example/feed", 0, ""},
		},
		{
			name: "unsubscribe",
			form: url.Values{
				"hub.mode":     {"unsubscribe"},
				"hub.callback": {"https://sub.example/cb"},
				"hub.topic":    {"https://pub.example/feed"},
			},
			expected: call{method: "unsubscribe", callback: "https://sub.example/cb", topic: "https://pub.example/feed"},
		},
		{
			name: "publish with url",
			form: url.Values{
				"hub.mode": {"publish"},
				"hub.url":  {"https://pub.example/feed"},
			},
			expected: call{method: "publish", topic: "https://pub.example/feed"},
		},
		{
			name: "publish with topic",
			form: url.Values{
				"hub.mode":  {"publish"},
				"hub.topic": {"https://pub.example/feed"},
			},
			expected: call{method: "publish", topic: "https://pub.example/feed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			code, _ := post(t, api.MakeHandler(svc, fakePinger{}, nil), tt.form)
			assert.Equal(t, http.StatusAccepted, code)
			assert.Equal(t, []call{tt.expected}, svc.calls)
		})
	}
}

func TestHubBadRequests(t *testing.T) {
	tests := []struct {
		name     string
		form     url.Values
		expected string
	}{
		{
			name:     "missing mode",
			form:     url.Values{},
			expected: "mode: is required\n",
		},
		{
			name:     "unknown mode",
			form:     url.Values{"hub.mode": {"renew"}},
			expected: "mode: \"renew\" is not supported\n",
		},
		{
			name: "bad lease",
			form: url.Values{
				"hub.mode":          {"subscribe"},
				"hub.lease_seconds": {"forever"},
			},
			expected: "lease_seconds: must be a positive number of seconds\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			code, body := post(t, api.MakeHandler(svc, fakePinger{}, nil), tt.form)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, tt.expected, body)
			assert.Empty(t, svc.calls)
		})
	}
}

func TestHubErrors(t *testing.T) {
	form := url.Values{"hub.mode": {"publish"}, "hub.url": {"https://pub.example/feed"}}

	t.Run("validation", func(t *testing.T) {
		svc := &fakeService{err: websub.ValidationErrors{}.
			Add("url", websub.CodeNotAllowed, "is not served by this hub").
			Add("url", websub.CodeInvalidURL, "must be an absolute http(s) URL")}
		code, body := post(t, api.MakeHandler(svc, fakePinger{}, nil), form)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "url: is not served by this hub\nurl: must be an absolute http(s) URL\n", body)
	})

	t.Run("store", func(t *testing.T) {
		svc := &fakeService{err: errors.New("database is locked")}
		code, body := post(t, api.MakeHandler(svc, fakePinger{}, nil), form)
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.NotContains(t, body, "database")
	})
}

func TestHealth(t *testing.T) {
	get := func(p api.Pinger) int {
		rec := httptest.NewRecorder()
		api.MakeHandler(&fakeService{}, p, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, get(fakePinger{}))
	assert.Equal(t, http.StatusServiceUnavailable, get(fakePinger{err: errors.New("down")}))
}

func TestMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	api.MakeHandler(&fakeService{}, fakePinger{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHubWithService(t *testing.T) {
	database := dbtest.New(t)
	svc := service.New(database, origins.NewStatic("https://pub.example/"), nil, nil)
	h := api.MakeHandler(svc, database, nil)

	code, _ := post(t, h, url.Values{
		"hub.mode":     {"subscribe"},
		"hub.callback": {"https://sub.example/cb"},
		"hub.topic":    {"https://pub.example/feed"},
	})
	assert.Equal(t, http.StatusAccepted, code)

	code, body := post(t, h, url.Values{
		"hub.mode":     {"unsubscribe"},
		"hub.callback": {"https://sub.example/other"},
		"hub.topic":    {"https://pub.example/feed"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "callback: has no subscription to this topic\n", body)

	code, body = post(t, h, url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {"https://elsewhere.example/feed"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "url: is not served by this hub\n", body)

	code, _ = post(t, h, url.Values{
		"hub.mode": {"publish"},
		"hub.url":  {"https://pub.example/feed"},
	})
	assert.Equal(t, http.StatusAccepted, code)

	count, err := database.CountContents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
