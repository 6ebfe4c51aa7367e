package navcache

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	tee "github.com/always-cache/navcache/pkg/response-writer-tee"
)

// Fetcher sends a request to the network. Implementations return an error
// only when no response was received; error statuses are responses.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// OriginFetcher forwards requests to a single origin through a reverse proxy
// and records the full response.
type OriginFetcher struct {
	proxy httputil.ReverseProxy
}

// NewOriginFetcher creates a fetcher for origin. If originHost is set it is
// used as the Host header and for TLS negotiation, e.g. when the origin URL
// is just an IP address.
func NewOriginFetcher(origin *url.URL, originHost string) *OriginFetcher {
	host := origin.Host
	hostHeader := host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &OriginFetcher{
		proxy: httputil.ReverseProxy{
			Director:  createDirector(origin.Scheme, host, hostHeader),
			Transport: transport,
			ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
				if saver, ok := w.(*tee.ResponseSaver); ok {
					saver.Fail(err)
					return
				}
				w.WriteHeader(http.StatusBadGateway)
			},
		},
	}
}

func (f *OriginFetcher) Fetch(ctx context.Context, req *http.Request) (res *http.Response, err error) {
	// the proxy aborts with a panic when the body copy fails mid-way
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("origin fetch aborted: %v", r)
		}
	}()
	out := req.WithContext(ctx)
	rw := tee.NewResponseSaver(nil)
	f.proxy.ServeHTTP(rw, out)
	if err := rw.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return rw.Response(req), nil
}

// bodyCloser releases the fetch context once the caller is done with the body.
type bodyCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b bodyCloser) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// cancelOnClose ties cancel to the response body, so a streamed body stays
// readable after the fetch returns.
func cancelOnClose(res *http.Response, cancel context.CancelFunc) *http.Response {
	if res.Body == nil || res.Body == http.NoBody {
		cancel()
		return res
	}
	res.Body = bodyCloser{ReadCloser: res.Body, cancel: cancel}
	return res
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}
