package imgload

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNotFound is reported for requests that can't produce an image:
	// malformed locations and locations on the failure blocklist.
	ErrNotFound = errors.New("image not found")

	ErrCacheMiss = errors.New("cache miss")
)

// Location identifies a remote image. The zero value is not valid - use
// [ParseLocation].
type Location struct {
	url *url.URL
	raw string
}

// ParseLocation validates and parses a raw resource locator. Only absolute
// http(s) urls are accepted.
func ParseLocation(raw string) (Location, error) {
	if raw == "" {
		return Location{}, fmt.Errorf("%w: empty location", ErrNotFound)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %s", ErrNotFound, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Location{}, fmt.Errorf("%w: unsupported scheme %q", ErrNotFound, u.Scheme)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("%w: location has no host", ErrNotFound)
	}

	return Location{
		url: u,
		raw: raw,
	}, nil
}

func (l Location) IsZero() bool {
	return l.url == nil
}

// URL returns a copy of the parsed url.
func (l Location) URL() *url.URL {
	u := *l.url
	return &u
}

func (l Location) String() string {
	if l.url == nil {
		return ""
	}
	return l.url.String()
}

// CacheKey derives the default cache key: the canonical form of the location.
// Scheme and host are lowercased, the fragment is dropped and the path is
// normalized to NFC, so logically identical locations always map to the same
// key. Custom derivation can be plugged in via [Hooks.CacheKey].
func (l Location) CacheKey() string {
	u := *l.url
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = norm.NFC.String(u.Path)
	// RawPath may hold the original form and would win over Path in String.
	u.RawPath = ""

	return u.String()
}
