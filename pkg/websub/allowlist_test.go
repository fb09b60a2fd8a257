package websub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowlist(t *testing.T) {
	tests := []struct {
		name   string
		config string
		topic  string
		want   bool
	}{
		{name: "public hub", config: "", topic: "https://anything.example/feed", want: true},
		{name: "only separators", config: " , ,", topic: "https://anything.example/feed", want: true},
		{name: "matching prefix", config: "https://pub.example/", topic: "https://pub.example/feed", want: true},
		{name: "second prefix", config: "https://a.example/, https://pub.example/", topic: "https://pub.example/feed", want: true},
		{name: "no match", config: "https://a.example/", topic: "https://pub.example/feed", want: false},
		{name: "prefix is not a suffix match", config: "https://pub.example", topic: "https://evil.example/?https://pub.example", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAllowlist(tt.config).Allows(tt.topic))
		})
	}
}

func TestAllowlistPrefixes(t *testing.T) {
	a := ParseAllowlist(" https://a.example/ ,https://b.example/")
	assert.Equal(t, []string{"https://a.example/", "https://b.example/"}, a.Prefixes())
	assert.False(t, a.IsPublic())
}
