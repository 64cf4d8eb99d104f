package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMux(t *testing.T) {
	assert := assert.New(t)
	mux := NewMux()

	for _, path := range []string{"/metrics", "/version", "/ping"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal("OK", rec.Body.String())
}

func TestRunServerDisabled(t *testing.T) {
	assert.NoError(t, RunServer(context.Background(), ""))
}
