package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Navcache-Stored-At"

// StoredResponse is a response as it is kept in the cache.
type StoredResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// The value of the clock at the time the response was stored.
	StoredAt time.Time
}

// ToBytes returns the HTTP/1.1 representation of the stored response.
// The store time travels in an extra header.
func ToBytes(sr StoredResponse) ([]byte, error) {
	header := sr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(storedAtHeaderName, strconv.FormatInt(sr.StoredAt.UnixNano(), 10))
	status := sr.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	res := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(sr.Body)),
		ContentLength: int64(len(sr.Body)),
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes parses the output of ToBytes.
func FromBytes(b []byte) (StoredResponse, error) {
	res, storedAt, err := readHead(b)
	if err != nil {
		return StoredResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return StoredResponse{}, fmt.Errorf("read stored body: %w", err)
	}
	return StoredResponse{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
		StoredAt:   storedAt,
	}, nil
}

// StoredAt reads only the store time of a serialized response.
func StoredAt(b []byte) (time.Time, error) {
	res, storedAt, err := readHead(b)
	if err != nil {
		return time.Time{}, err
	}
	res.Body.Close()
	return storedAt, nil
}

func readHead(b []byte) (*http.Response, time.Time, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read stored response: %w", err)
	}
	nanos, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		res.Body.Close()
		return nil, time.Time{}, fmt.Errorf("read %s: %w", storedAtHeaderName, err)
	}
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	res.Header.Del("Content-Length")
	return res, time.Unix(0, nanos), nil
}

// FromResponse reads the response body into a StoredResponse.
// The body of res is replaced so the response stays readable.
func FromResponse(res *http.Response, storedAt time.Time) (StoredResponse, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return StoredResponse{}, fmt.Errorf("read response body: %w", err)
		}
		res.Body = io.NopCloser(bytes.NewReader(body))
	}
	header := res.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Content-Length")
	return StoredResponse{
		StatusCode: res.StatusCode,
		Header:     header,
		Body:       body,
		StoredAt:   storedAt,
	}, nil
}

// Response creates a new http.Response for the given request.
// Every call returns an independent body.
func (sr StoredResponse) Response(req *http.Request) *http.Response {
	header := sr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	status := sr.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(sr.Body)),
		ContentLength: int64(len(sr.Body)),
		Request:       req,
	}
}
