package ingest

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "token-123"
	testSecret = "secret-456"
)

func signedRequest(t *testing.T, secret string, body []byte, at time.Time) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/leads", bytes.NewReader(body))
	millis := at.UnixMilli()
	r.Header.Set(HeaderToken, testToken)
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(millis, 10))
	r.Header.Set(HeaderSignature, Sign(secret, http.MethodPost, "/leads", body, millis))
	return r
}

func newTestGuard(now time.Time, opts ...GuardOption) *Guard {
	opts = append([]GuardOption{WithClock(func() time.Time { return now })}, opts...)
	return NewGuard(testToken, testSecret, opts...)
}

func TestVerify(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"name":"Ann"}`)

	t.Run("accepts a fresh signed request", func(t *testing.T) {
		guard := newTestGuard(now)
		r := signedRequest(t, testSecret, body, now)
		assert.Equal(t, VerdictOK, guard.Verify(r, body))
	})

	t.Run("missing headers", func(t *testing.T) {
		guard := newTestGuard(now)
		for _, header := range []string{HeaderToken, HeaderTimestamp, HeaderSignature} {
			r := signedRequest(t, testSecret, body, now)
			r.Header.Del(header)
			assert.Equal(t, VerdictUnauthorized, guard.Verify(r, body), header)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		guard := newTestGuard(now)
		r := signedRequest(t, testSecret, body, now)
		r.Header.Set(HeaderToken, "other-token")
		assert.Equal(t, VerdictUnauthorized, guard.Verify(r, body))
	})

	t.Run("wrong secret", func(t *testing.T) {
		guard := newTestGuard(now)
		r := signedRequest(t, "other-secret", body, now)
		assert.Equal(t, VerdictUnauthorized, guard.Verify(r, body))
	})

	t.Run("tampered body", func(t *testing.T) {
		guard := newTestGuard(now)
		r := signedRequest(t, testSecret, body, now)
		assert.Equal(t, VerdictUnauthorized, guard.Verify(r, []byte(`{"name":"Bob"}`)))
	})

	t.Run("garbage timestamp", func(t *testing.T) {
		guard := newTestGuard(now)
		r := signedRequest(t, testSecret, body, now)
		r.Header.Set(HeaderTimestamp, "yesterday")
		assert.Equal(t, VerdictUnauthorized, guard.Verify(r, body))
	})

	t.Run("stale timestamp", func(t *testing.T) {
		guard := newTestGuard(now)
		r := signedRequest(t, testSecret, body, now.Add(-6*time.Minute))
		assert.Equal(t, VerdictForbidden, guard.Verify(r, body))
	})

	t.Run("future timestamp beyond skew", func(t *testing.T) {
		guard := newTestGuard(now)
		r := signedRequest(t, testSecret, body, now.Add(6*time.Minute))
		assert.Equal(t, VerdictForbidden, guard.Verify(r, body))
	})

	t.Run("skew within the window is tolerated", func(t *testing.T) {
		guard := newTestGuard(now)
		r := signedRequest(t, testSecret, body, now.Add(-4*time.Minute))
		assert.Equal(t, VerdictOK, guard.Verify(r, body))
	})

	t.Run("replayed signature", func(t *testing.T) {
		guard := newTestGuard(now)
		r := signedRequest(t, testSecret, body, now)
		require.Equal(t, VerdictOK, guard.Verify(r, body))

		replay := signedRequest(t, testSecret, body, now)
		assert.Equal(t, VerdictForbidden, guard.Verify(replay, body))

		// A fresh signature over the same body passes again.
		fresh := signedRequest(t, testSecret, body, now.Add(time.Second))
		assert.Equal(t, VerdictOK, guard.Verify(fresh, body))
	})
}

func TestMiddleware(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"name":"Ann"}`)

	t.Run("passes verified requests through with the body intact", func(t *testing.T) {
		guard := newTestGuard(now)
		var seen []byte
		handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var err error
			seen, err = io.ReadAll(r.Body)
			require.NoError(t, err)
			w.WriteHeader(http.StatusAccepted)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, signedRequest(t, testSecret, body, now))

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, body, seen)
	})

	t.Run("unauthorized", func(t *testing.T) {
		guard := newTestGuard(now)
		handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler must not run")
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/leads", bytes.NewReader(body)))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("forbidden", func(t *testing.T) {
		guard := newTestGuard(now)
		handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler must not run")
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, signedRequest(t, testSecret, body, now.Add(-time.Hour)))

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestMemoryReplayCache(t *testing.T) {
	cache := NewMemoryReplayCache(time.Minute)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	assert.True(t, cache.Remember("sig-a"))
	assert.False(t, cache.Remember("sig-a"))
	assert.True(t, cache.Remember("sig-b"))

	// Entries expire after the TTL and can be remembered again.
	now = now.Add(2 * time.Minute)
	assert.True(t, cache.Remember("sig-a"))
}
