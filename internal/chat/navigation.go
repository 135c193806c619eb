package chat

import (
	"fmt"
	"net/url"
	"strings"
)

// NavigationURL resolves a path requested by the assistant against the site
// base URL and locale. Absolute URLs are returned unchanged; a path that
// already carries the locale prefix is not prefixed again.
func NavigationURL(baseURL, locale, path string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("parse navigation path: %w", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}

	segments := strings.Split(strings.Trim(ref.Path, "/"), "/")
	locale = strings.Trim(locale, "/")
	if locale != "" && (len(segments) == 0 || segments[0] != locale) {
		segments = append([]string{locale}, segments...)
	}
	clean := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			clean = append(clean, s)
		}
	}

	base := &url.URL{Path: "/"}
	if baseURL != "" {
		base, err = url.Parse(strings.TrimRight(baseURL, "/"))
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
	}
	out := base.JoinPath(clean...)
	if !strings.HasPrefix(out.Path, "/") {
		out.Path = "/" + out.Path
	}
	out.RawQuery = ref.RawQuery
	out.Fragment = ref.Fragment
	return out.String(), nil
}
