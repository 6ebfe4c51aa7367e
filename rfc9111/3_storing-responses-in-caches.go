package rfc9111

import "net/http"

// § 3.  Storing Responses in Caches
//
// MayStore reports whether a private (single client) cache is allowed to keep
// the response. Only final 2xx responses to GET are kept; the engine does not
// store redirects or partial content.
func MayStore(req *http.Request, res *http.Response) bool {
	resCacheControl := ParseCacheControl(res.Header.Values("Cache-Control"))
	// §    A cache MUST NOT store a response to a request unless:
	// §      *  the request method is understood by the cache;
	return requestMethodIsUnderstood(req.Method) &&
		// §  *  the response status code is final (see Section 15 of [HTTP]);
		responseStatusCodeIsFinal(res.StatusCode) &&
		// §  *  if the response status code is 206 or 304, or the must-understand
		// §     cache directive (see Section 5.2.2.3) is present: the cache
		// §     understands the response status code;
		statusCodeUnderstoodIfNeeded(res, resCacheControl) &&
		// §  *  the no-store cache directive is not present in the response (see
		// §     Section 5.2.2.5);
		!resCacheControl.HasDirective("no-store")
	// the shared cache requirements (private, Authorization, s-maxage) do not
	// apply; this cache belongs to a single client
}

func statusCodeUnderstoodIfNeeded(res *http.Response, resCacheControl CacheControl) bool {
	if res.StatusCode == http.StatusPartialContent || res.StatusCode == http.StatusNotModified ||
		resCacheControl.HasDirective("must-understand") {
		return responseStatusCodeIsUnderstood(res.StatusCode)
	}
	return true
}

// §  In this context, a cache has "understood" a request method or a
// §  response status code if it recognizes it and implements all specified
// §  caching-related behavior.

func requestMethodIsUnderstood(method string) bool {
	return method == http.MethodGet
}

func responseStatusCodeIsUnderstood(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300 && statusCode != http.StatusPartialContent
}

func responseStatusCodeIsFinal(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
