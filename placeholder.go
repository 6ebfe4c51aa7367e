package navcache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// Placeholder is the response given when neither the network nor the cache
// can answer.
type Placeholder struct {
	Status      int    `yaml:"status"`
	ContentType string `yaml:"contentType"`
	Body        string `yaml:"body"`
}

func DefaultPlaceholder() Placeholder {
	return Placeholder{
		Status:      http.StatusServiceUnavailable,
		ContentType: "text/plain; charset=utf-8",
		Body:        "offline",
	}
}

// Response creates a new response for the given request.
func (p Placeholder) Response(req *http.Request) *http.Response {
	d := DefaultPlaceholder()
	if p.Status == 0 {
		p.Status = d.Status
	}
	if p.ContentType == "" {
		p.ContentType = d.ContentType
	}
	header := http.Header{}
	header.Set("Content-Type", p.ContentType)
	header.Set("Cache-Control", "no-store")
	return newResponse(req, p.Status, header, []byte(p.Body))
}

func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
