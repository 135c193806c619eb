package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNavigationURL(t *testing.T) {
	tests := []struct {
		name   string
		base   string
		locale string
		path   string
		want   string
	}{
		{"prefixes locale", "https://confs.example", "en", "/events/42", "https://confs.example/en/events/42"},
		{"keeps query and fragment", "https://confs.example/", "de", "search?q=go#top", "https://confs.example/de/search?q=go#top"},
		{"does not repeat locale", "https://confs.example", "en", "/en/events", "https://confs.example/en/events"},
		{"base with path", "https://confs.example/app", "fr", "talks", "https://confs.example/app/fr/talks"},
		{"no locale", "https://confs.example", "", "/about", "https://confs.example/about"},
		{"no base", "", "en", "/events", "/en/events"},
		{"absolute passthrough", "https://confs.example", "en", "https://maps.example/x", "https://maps.example/x"},
		{"root", "https://confs.example", "en", "/", "https://confs.example/en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NavigationURL(tt.base, tt.locale, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
