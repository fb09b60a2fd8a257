package websub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContent(t *testing.T) {
	c, err := NewContent("https://pub.example/feed", now)
	require.NoError(t, err)
	assert.Equal(t, ContentNew, c.Status)
	assert.Nil(t, c.FetchedAt)
	assert.Nil(t, c.Body)

	_, err = NewContent("not a url", now)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.True(t, verrs.Has("url", CodeInvalidURL))
}

func TestFetchIsIdempotent(t *testing.T) {
	c, err := NewContent("https://pub.example/feed", now)
	require.NoError(t, err)

	c.Fetch([]byte("<rss/>"), "application/rss+xml", `<x>; rel="self"`, now)
	first := *c

	c.Fetch([]byte("<rss/>"), "application/rss+xml", `<x>; rel="self"`, now)
	assert.Equal(t, ContentFetched, c.Status)
	assert.Equal(t, first.Body, c.Body)
	assert.Equal(t, first.Type, c.Type)
	assert.Equal(t, first.Links, c.Links)
	assert.Equal(t, *first.FetchedAt, *c.FetchedAt)
}

func TestDeliver(t *testing.T) {
	c, err := NewContent("https://pub.example/feed", now)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Deliver(), ErrNotFetched)

	c.Fetch(nil, DefaultContentType, "", now)
	require.NoError(t, c.Deliver())
	assert.Equal(t, ContentDelivered, c.Status)

	assert.ErrorIs(t, c.Deliver(), ErrNotFetched)
}

func TestLinkHeader(t *testing.T) {
	tests := []struct {
		name     string
		upstream []string
		want     string
	}{
		{
			name: "synthesized",
			want: `<http://hub.example/>; rel="hub", <https://pub.example/feed>; rel="self"`,
		},
		{
			name:     "blank upstream",
			upstream: []string{" "},
			want:     `<http://hub.example/>; rel="hub", <https://pub.example/feed>; rel="self"`,
		},
		{
			name:     "upstream hub only",
			upstream: []string{`<https://pub.example/hub>; rel="hub"`},
			want:     `<https://pub.example/hub>; rel="hub", <https://pub.example/feed>; rel="self"`,
		},
		{
			name:     "upstream self only",
			upstream: []string{`<https://pub.example/feed>; rel="self"`},
			want:     `<https://pub.example/feed>; rel="self", <http://hub.example/>; rel="hub"`,
		},
		{
			name:     "upstream other relations",
			upstream: []string{`<https://pub.example/next>; rel="next"`},
			want:     `<https://pub.example/next>; rel="next", <http://hub.example/>; rel="hub", <https://pub.example/feed>; rel="self"`,
		},
		{
			name:     "multiple upstream values",
			upstream: []string{`<https://a/>; rel="hub"`, `<https://b/>; rel="self"`},
			want:     `<https://a/>; rel="hub", <https://b/>; rel="self"`,
		},
		{
			name:     "unquoted and combined relations",
			upstream: []string{`<https://a/>; rel=hub`, `<https://b/>; rel="alternate SELF"`},
			want:     `<https://a/>; rel=hub, <https://b/>; rel="alternate SELF"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LinkHeader(tt.upstream, "https://pub.example/feed", "http://hub.example/"))
		})
	}
}

func TestSign(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	got := Sign([]byte("The quick brown fox jumps over the lazy dog"), "key")
	assert.Equal(t, "sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", got)
}

func TestNewChallenge(t *testing.T) {
	a, err := NewChallenge()
	require.NoError(t, err)
	b, err := NewChallenge()
	require.NoError(t, err)

	assert.Len(t, a, challengeBytes*2)
	assert.NotEqual(t, a, b)
}
