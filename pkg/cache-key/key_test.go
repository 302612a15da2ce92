package cachekey

import (
	"net/http"
	"net/url"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestKeyNormalization(t *testing.T) {
	keygen := NewCacheKeyer(mustParse(t, "HTTP://Dev.Localhost"))
	a, _ := http.NewRequest("get", "http://DEV.localhost/index.html#top", nil)
	b := keygen.KeyForURL("GET", mustParse(t, "/index.html"))
	if key := keygen.Key(a); key != b {
		t.Fatalf("Keys differ: %q vs %q", key, b)
	}
}

func TestDefaultPortsAreDropped(t *testing.T) {
	keygen := NewCacheKeyer(mustParse(t, "https://app.example"))
	for _, raw := range []string{
		"https://app.example:443/x",
		"HTTPS://App.Example:443/x",
	} {
		u := mustParse(t, raw)
		if !keygen.SameOrigin(u) {
			t.Fatalf("%s reported as foreign", raw)
		}
		if key := keygen.KeyForURL("GET", u); key != "GET https://app.example/x" {
			t.Fatalf("Key for %s is %q", raw, key)
		}
	}
	if keygen.SameOrigin(mustParse(t, "https://app.example:8443/x")) {
		t.Fatal("Non-default port reported as same origin")
	}
	plain := NewCacheKeyer(mustParse(t, "http://dev.localhost:80"))
	if plain.Origin != "http://dev.localhost" {
		t.Fatalf("Origin is %s", plain.Origin)
	}
}

func TestSameOrigin(t *testing.T) {
	keygen := NewCacheKeyer(mustParse(t, "https://app.example"))
	if !keygen.SameOrigin(mustParse(t, "https://app.example/a")) {
		t.Fatal("Expected same origin")
	}
	for _, raw := range []string{
		"http://app.example/a",
		"https://cdn.example/a",
		"chrome-extension://abcdef/script.js",
	} {
		if keygen.SameOrigin(mustParse(t, raw)) {
			t.Fatalf("%s reported as same origin", raw)
		}
	}
}

func TestResolve(t *testing.T) {
	keygen := NewCacheKeyer(mustParse(t, "https://app.example"))
	u, err := keygen.Resolve("/assets/icon.png")
	if err != nil {
		t.Fatal(err)
	}
	if u.String() != "https://app.example/assets/icon.png" {
		t.Fatalf("Resolved to %s", u)
	}
}
