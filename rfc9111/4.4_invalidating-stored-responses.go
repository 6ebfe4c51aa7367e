package rfc9111

import (
	"net/http"
	"net/url"
)

// §  4.4.  Invalidating Stored Responses
// §
// §     Because unsafe request methods (Section 9.2.1 of [HTTP]) such as PUT,
// §     POST, or DELETE have the potential for changing state on the origin
// §     server, intervening caches are required to invalidate stored
// §     responses to keep their contents up to date.

// UnsafeRequest reports whether the request method is not known to be safe.
func UnsafeRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// §     A "non-error response" is one with a 2xx (Successful) or 3xx
// §     (Redirection) status code.
func NonErrorResponse(res *http.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 400
}

// GetInvalidateURIs returns the absolute URIs whose stored responses must be
// dropped after the given response to an unsafe request.
func GetInvalidateURIs(req *http.Request, res *http.Response) []string {
	if !UnsafeRequest(req) || !NonErrorResponse(res) {
		return nil
	}
	// §     A cache MUST invalidate the target URI (Section 7.1 of [HTTP]) when
	// §     it receives a non-error status code in response to an unsafe request
	// §     method (including methods whose safety is unknown).
	uris := []string{req.URL.String()}
	// §     [...] In particular, the URI(s) in the Location and
	// §     Content-Location response header fields (if present) are candidates
	// §     for invalidation [...] However, a cache MUST NOT trigger an
	// §     invalidation under these conditions if the origin (Section 4.3.1 of
	// §     [HTTP]) of the URI to be invalidated differs from that of the target
	// §     URI (Section 7.1 of [HTTP]).
	for _, name := range []string{"Location", "Content-Location"} {
		value := res.Header.Get(name)
		if value == "" {
			continue
		}
		ref, err := url.Parse(value)
		if err != nil {
			continue
		}
		resolved := req.URL.ResolveReference(ref)
		if SameOrigin(req.URL, resolved) {
			uris = append(uris, resolved.String())
		}
	}
	return uris
}

// SameOrigin compares scheme and host of two URLs. Relative URLs (no host)
// are considered same-origin.
func SameOrigin(a, b *url.URL) bool {
	if a.Host == "" || b.Host == "" {
		return true
	}
	return a.Scheme == b.Scheme && a.Host == b.Host
}
