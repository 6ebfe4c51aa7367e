package cacheupdate

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetCacheUpdates(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "https://shop.example/cart/items", nil)
	res := &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}
	res.Header.Add("Cache-Update", "/cart; delay=5")
	res.Header.Add("Cache-Update", "summary, https://evil.example/x")

	updates := GetCacheUpdates(req, res)
	assert.Equal(t, []CacheUpdate{
		{URL: "https://shop.example/cart", Delay: 5 * time.Second},
		{URL: "https://shop.example/cart/summary"},
	}, updates)
}

func TestGetCacheUpdatesIgnoresSafeAndErrors(t *testing.T) {
	res := &http.Response{StatusCode: http.StatusOK, Header: http.Header{"Cache-Update": {"/cart"}}}
	get, _ := http.NewRequest(http.MethodGet, "https://shop.example/cart", nil)
	assert.Empty(t, GetCacheUpdates(get, res))

	post, _ := http.NewRequest(http.MethodPost, "https://shop.example/cart", nil)
	res.StatusCode = http.StatusBadRequest
	assert.Empty(t, GetCacheUpdates(post, res))
}
