package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/knoboor/pkg/config"
)

func TestClientLimiters_Allow(t *testing.T) {
	l := newClientLimiters("upload", 2)
	now := time.Unix(1700000000, 0)

	ok, _ := l.allow("10.0.0.1", now)
	assert.True(t, ok)

	ok, _ = l.allow("10.0.0.1", now)
	assert.True(t, ok)

	ok, wait := l.allow("10.0.0.1", now)
	assert.False(t, ok)
	assert.InDelta(t, 30*time.Second, wait, float64(time.Second))

	// Other clients have their own bucket.
	ok, _ = l.allow("10.0.0.2", now)
	assert.True(t, ok)

	// One token refills every 30 seconds at 2 requests per minute.
	ok, _ = l.allow("10.0.0.1", now.Add(31*time.Second))
	assert.True(t, ok)
}

func TestClientLimiters_Prune(t *testing.T) {
	l := newClientLimiters("public", 10)
	now := time.Unix(1700000000, 0)

	l.allow("old", now)
	l.allow("fresh", now.Add(9*time.Minute))

	assert.Equal(t, 1, l.prune(now.Add(11*time.Minute), limiterIdleTTL))

	_, stillThere := l.clients["fresh"]
	assert.True(t, stillThere)
}

func TestRateLimitMiddleware(t *testing.T) {
	srv, _ := newTestServer(t)

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	h := srv.rateLimitMiddleware("upload", config.RateLimitTier{RequestsPerMinute: 1})(next)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "192.0.2.10:5000"

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		return rec
	}

	assert.Equal(t, http.StatusNoContent, do().Code)

	rec := do()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	unlimited := srv.rateLimitMiddleware("public", config.RateLimitTier{})(next)

	for range 3 {
		rec := httptest.NewRecorder()
		unlimited.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "remote addr", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "forwarded chain", remoteAddr: "10.0.0.1:80", xff: "203.0.113.5, 10.0.0.1", want: "203.0.113.5"},
		{name: "single forwarded", remoteAddr: "10.0.0.1:80", xff: "203.0.113.9", want: "203.0.113.9"},
		{name: "no port", remoteAddr: "192.0.2.7", want: "192.0.2.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr

			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, clientAddr(req))
		})
	}
}
