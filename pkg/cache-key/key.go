package cachekey

import (
	"net/http"
	"net/url"
	"strings"
)

const methodSeparator = " "

// CacheKeyer derives request identities for a single origin.
type CacheKeyer struct {
	// Origin in the form scheme://host[:port], lower-case.
	Origin string
}

func NewCacheKeyer(origin *url.URL) CacheKeyer {
	return CacheKeyer{Origin: OriginOf(origin)}
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// OriginOf returns the scheme://host[:port] part of the URL, lower-cased.
// The port is dropped if it is the scheme's default.
func OriginOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if port := u.Port(); port != "" && defaultPorts[scheme] == port {
		host = strings.TrimSuffix(host, ":"+port)
	}
	return scheme + "://" + host
}

// SameOrigin reports whether u belongs to the keyer's origin.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	return u != nil && OriginOf(u) == c.Origin
}

// Key returns the identity for a request: its method followed by the normalized URL.
func (c CacheKeyer) Key(r *http.Request) string {
	return c.KeyForURL(r.Method, r.URL)
}

// KeyForURL returns the identity for the given method and URL.
// Relative URLs are resolved against the origin and the fragment is dropped.
func (c CacheKeyer) KeyForURL(method string, u *url.URL) string {
	origin := c.Origin
	if u.Host != "" {
		origin = OriginOf(u)
	}
	return strings.ToUpper(method) + methodSeparator + origin + u.RequestURI()
}

// Resolve parses a root-relative or absolute URL against the origin.
func (c CacheKeyer) Resolve(rawURL string) (*url.URL, error) {
	base, err := url.Parse(c.Origin + "/")
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(ref), nil
}
