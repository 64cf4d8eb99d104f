package robusthttp

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRetriesServerErrors(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(WithRetryWait(time.Millisecond, 5*time.Millisecond), WithTransport(http.DefaultTransport))
	resp, err := c.Get(srv.URL)
	require.NoError(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal(int32(3), hits.Load())
}

func TestClientLeavesRateLimitToCaller(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(WithRetryWait(time.Millisecond, 5*time.Millisecond), WithTransport(http.DefaultTransport))
	resp, err := c.Get(srv.URL)
	require.NoError(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(int32(1), hits.Load())
}
