package rfc9211

import (
	"fmt"
	"net/http"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches' handling
// §     of the request corresponding to the response it occurs within.
// §
// §     Its value is a List (Section 3.1 of [STRUCTURED-FIELDS]):
// §
// §     Cache-Status   = sf-list
// §
// §     Each member of the list represents a cache that has handled the
// §     request.

const HeaderName = "Cache-Status"

// FwdReason is the value of the fwd parameter.
type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"
	// The request method's semantics require the request to be forwarded.
	FwdMethod FwdReason = "method"
	// The cache did not contain any responses that matched the request URI.
	FwdUriMiss FwdReason = "uri-miss"
	// The cache contained a response, but the request's semantics did not
	// allow its use.
	FwdRequest FwdReason = "request"
	// The cache was able to select a response for the request, but it was stale.
	FwdStale FwdReason = "stale"
)

// CacheStatus accumulates the parameters of one Cache-Status list member.
type CacheStatus struct {
	cache     string
	hit       bool
	fwdReason FwdReason
	fwdStatus int
	stored    bool
	collapsed bool
	detail    string
}

func New(cache string) *CacheStatus {
	return &CacheStatus{cache: cache}
}

// §  2.1.  The hit parameter
// §
// §     "hit", when true, indicates that the request was satisfied by the
// §     cache; that is, it was not forwarded, and the response was obtained
// §     from the cache.
func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.fwdReason = ""
}

// §  2.2.  The fwd parameter
// §
// §     "fwd" indicates that the request went forward towards the origin and
// §     why.
func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.fwdReason = reason
}

// §  2.3.  The fwd-status parameter
func (cs *CacheStatus) ForwardStatus(status int) {
	cs.fwdStatus = status
}

// §  2.5.  The stored parameter
func (cs *CacheStatus) Stored() {
	cs.stored = true
}

// §  2.6.  The collapsed parameter
// §
// §     "collapsed" indicates whether this request was collapsed together
// §     with one or more other forward requests.
func (cs *CacheStatus) Collapsed() {
	cs.collapsed = true
}

// §  2.8.  The detail parameter
func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	parts := []string{cs.cache}
	if cs.hit {
		parts = append(parts, "hit")
	} else if cs.fwdReason != "" {
		parts = append(parts, "fwd="+string(cs.fwdReason))
		if cs.fwdStatus != 0 {
			parts = append(parts, fmt.Sprintf("fwd-status=%d", cs.fwdStatus))
		}
	}
	if cs.stored {
		parts = append(parts, "stored")
	}
	if cs.collapsed {
		parts = append(parts, "collapsed")
	}
	if cs.detail != "" {
		parts = append(parts, "detail="+cs.detail)
	}
	return strings.Join(parts, "; ")
}

// §     Caches SHOULD add their member to the end of the list, so that
// §     the member closest to the origin is first.
func (cs *CacheStatus) Write(header http.Header) {
	header.Add(HeaderName, cs.String())
}
