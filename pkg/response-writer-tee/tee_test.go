package tee

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaverRecords(t *testing.T) {
	s := NewResponseSaver(nil)
	s.Header().Set("Content-Type", "text/plain")
	s.Header().Add("Cache-Update", "/cart")
	s.WriteHeader(http.StatusCreated)
	s.Write([]byte("hello "))
	s.Write([]byte("world"))

	res := s.Response(nil)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, []string{"/cart"}, s.Updates())
	assert.NoError(t, s.Err())
}

func TestSaverTees(t *testing.T) {
	rec := httptest.NewRecorder()
	s := NewResponseSaver(rec)
	s.Header().Set("X-Test", "1")
	s.Write([]byte("body"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Test"))
	assert.Equal(t, "body", rec.Body.String())
	assert.Equal(t, "body", string(s.Body()))
}

func TestSaverFail(t *testing.T) {
	s := NewResponseSaver(nil)
	s.Fail(errors.New("dial tcp: refused"))
	assert.EqualError(t, s.Err(), "dial tcp: refused")
}
