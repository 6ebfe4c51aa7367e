package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/navcache/rfc9111"
)

var delayPattern = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Absolute URL of the resource to refresh.
	URL string
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

// GetCacheUpdates gets the updates specified by the response to an unsafe request.
// The request URL is used in order to resolve potentially relative update paths.
// Updates pointing to another origin are dropped.
func GetCacheUpdates(req *http.Request, res *http.Response) []CacheUpdate {
	if !rfc9111.UnsafeRequest(req) || !rfc9111.NonErrorResponse(res) {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, header := range res.Header.Values("Cache-Update") {
		// one header may carry a list of updates
		for _, update := range strings.Split(header, ",") {
			update = strings.TrimSpace(update)
			if update == "" {
				continue
			}
			u, err := getURL(req.URL, update)
			if err != nil || !rfc9111.SameOrigin(req.URL, u) {
				continue
			}
			updates = append(updates, CacheUpdate{
				URL:   u.String(),
				Delay: getDelay(update),
			})
		}
	}
	return updates
}

// getURL returns the URL to update from the `Cache-Update` header parameter.
// The URL is the first parameter in the header value (separated by a semicolon).
func getURL(base *url.URL, update string) (*url.URL, error) {
	possiblyRelativeURL, _, _ := strings.Cut(update, ";")
	ref, err := url.Parse(strings.TrimSpace(possiblyRelativeURL))
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(ref), nil
}

// getDelay returns the delay to wait before updating, from the `delay=N`
// directive, where N is the number of seconds to wait.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayPattern.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
