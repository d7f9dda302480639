// Package ingest authenticates inbound webhook traffic before it reaches
// handlers that write to the outbox. Requests carry a shared token, a
// millisecond timestamp and an HMAC-SHA256 signature over the request
// method, path, body and timestamp; the guard verifies the signature in
// constant time, enforces a freshness window and rejects replays.
package ingest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/outbus/outbus"
)

const (
	HeaderToken     = "x-anti-spam-token"
	HeaderTimestamp = "x-anti-spam-timestamp"
	HeaderSignature = "x-anti-spam-signature"

	defaultMaxSkew   = 5 * time.Minute
	defaultReplayTTL = 10 * time.Minute
)

// Sign computes the hex HMAC-SHA256 signature clients attach to a request.
// timestampMillis is the value sent in the timestamp header.
func Sign(secret, method, path string, body []byte, timestampMillis int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte("|"))
	mac.Write([]byte(path))
	mac.Write([]byte("|"))
	mac.Write(body)
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(timestampMillis, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Guard verifies inbound requests. Zero value is not usable; construct with
// NewGuard.
type Guard struct {
	token   string
	secret  string
	maxSkew time.Duration
	replays ReplayCache
	logger  *zap.Logger
	metrics outbus.MetricsCollector
	now     func() time.Time
}

type GuardOption func(*Guard)

func WithMaxSkew(skew time.Duration) GuardOption {
	return func(g *Guard) {
		if skew > 0 {
			g.maxSkew = skew
		}
	}
}

func WithReplayCache(cache ReplayCache) GuardOption {
	return func(g *Guard) {
		if cache != nil {
			g.replays = cache
		}
	}
}

func WithGuardLogger(logger *zap.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithGuardMetrics(metrics outbus.MetricsCollector) GuardOption {
	return func(g *Guard) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGuard(token, secret string, opts ...GuardOption) *Guard {
	g := &Guard{
		token:   token,
		secret:  secret,
		maxSkew: defaultMaxSkew,
		logger:  zap.NewNop(),
		metrics: outbus.NewNopMetricsCollector(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.replays == nil {
		g.replays = NewMemoryReplayCache(defaultReplayTTL)
	}
	g.logger = g.logger.With(zap.String("component", "ingest"))
	return g
}

// Verdict is the guard's decision for one request.
type Verdict int

const (
	VerdictOK Verdict = iota
	// VerdictUnauthorized covers missing or wrong credentials: bad token,
	// absent headers, signature mismatch. Maps to 401.
	VerdictUnauthorized
	// VerdictForbidden covers requests with valid credentials that are no
	// longer acceptable: stale timestamps and replayed signatures. Maps
	// to 403.
	VerdictForbidden
)

// Verify checks the headers against the request body. body must be the raw
// bytes the client signed.
func (g *Guard) Verify(r *http.Request, body []byte) Verdict {
	token := r.Header.Get(HeaderToken)
	tsHeader := r.Header.Get(HeaderTimestamp)
	signature := r.Header.Get(HeaderSignature)

	if token == "" || tsHeader == "" || signature == "" {
		g.fail("missing_headers")
		return VerdictUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(g.token)) != 1 {
		g.fail("bad_token")
		return VerdictUnauthorized
	}

	tsMillis, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		g.fail("bad_timestamp")
		return VerdictUnauthorized
	}

	expected := Sign(g.secret, r.Method, r.URL.Path, body, tsMillis)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		g.fail("bad_signature")
		return VerdictUnauthorized
	}

	// Signature is authentic from here on; remaining failures are about
	// freshness, not identity.
	sent := time.UnixMilli(tsMillis)
	skew := g.now().Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.maxSkew {
		g.fail("stale")
		return VerdictForbidden
	}

	if !g.replays.Remember(signature) {
		g.fail("replay")
		return VerdictForbidden
	}

	g.metrics.IncrementCounter("ingest.accepted", nil)
	return VerdictOK
}

func (g *Guard) fail(reason string) {
	g.logger.Warn("Rejected inbound request", zap.String("reason", reason))
	g.metrics.IncrementCounter("ingest.rejected", map[string]string{"reason": reason})
}

// Middleware wraps an http.Handler with signature verification. The body is
// read for signing and restored for the downstream handler.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		switch g.Verify(r, body) {
		case VerdictOK:
			next.ServeHTTP(w, r)
		case VerdictForbidden:
			http.Error(w, "forbidden", http.StatusForbidden)
		default:
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
	})
}
