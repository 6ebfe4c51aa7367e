package cachekey

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

const (
	methodSeparator   = " "
	cacheKeySeparator = "\t"
	cacheKeyHeader    = "Cache-Key"
)

// Keyer generates normalized request identities.
// Two requests that only differ in host case, default port, fragment or query
// parameter order get the same key.
type Keyer struct {
	// Base resolves requests without scheme and host, as received by a server.
	Base *url.URL
	// Query parameters that never affect the response, e.g. "utm_".
	// Entries ending in "_" match by prefix.
	IgnoreQuery []string
}

// Key returns the cache key for the request.
// If the request has a `Cache-Key` header, that value is included in the key.
func (k Keyer) Key(r *http.Request) string {
	key := r.Method + methodSeparator + k.Normalize(k.resolve(r)).String()
	if ck := r.Header.Get(cacheKeyHeader); ck != "" {
		key += cacheKeySeparator + ck
	}
	return key
}

// URLKey returns the GET key for the given absolute or base-relative URL.
func (k Keyer) URLKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if k.Base != nil {
		u = k.Base.ResolveReference(u)
	}
	return http.MethodGet + methodSeparator + k.Normalize(u).String(), nil
}

// Normalize returns a copy of u in canonical form.
func (k Keyer) Normalize(u *url.URL) *url.URL {
	n := *u
	n.User = nil
	n.Fragment = ""
	n.RawFragment = ""
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = normalizeHost(n.Scheme, n.Host)
	if n.Path == "" {
		n.Path = "/"
	}
	n.RawPath = ""
	query := n.Query()
	for name := range query {
		if k.ignored(name) {
			query.Del(name)
		}
	}
	// Encode sorts by name
	n.RawQuery = query.Encode()
	n.ForceQuery = false
	return &n
}

// RequestFromKey creates a request equal, caching-wise, to the one the key
// was generated from.
func (k Keyer) RequestFromKey(key string) (*http.Request, error) {
	keyNoHeader, cacheKey, _ := strings.Cut(key, cacheKeySeparator)
	method, uri, found := strings.Cut(keyNoHeader, methodSeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %s", key)
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return nil, err
	}
	if cacheKey != "" {
		req.Header.Set(cacheKeyHeader, cacheKey)
	}
	return req, nil
}

// ResolveURL returns the absolute URL of the request.
func (k Keyer) ResolveURL(r *http.Request) *url.URL {
	return k.resolve(r)
}

func (k Keyer) resolve(r *http.Request) *url.URL {
	u := *r.URL
	if u.Host == "" {
		if k.Base != nil {
			u.Scheme = k.Base.Scheme
			u.Host = k.Base.Host
		} else {
			u.Host = r.Host
			u.Scheme = "http"
			if r.TLS != nil {
				u.Scheme = "https"
			}
		}
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	return &u
}

func (k Keyer) ignored(name string) bool {
	for _, ignore := range k.IgnoreQuery {
		if strings.HasSuffix(ignore, "_") && strings.HasPrefix(name, ignore) {
			return true
		}
		if name == ignore {
			return true
		}
	}
	return false
}

func normalizeHost(scheme, host string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}
