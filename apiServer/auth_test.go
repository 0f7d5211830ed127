package apiServer

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestSessionsRoundTrip(t *testing.T) {
	s, err := newSessions([]byte("k"), time.Hour)
	require.NoError(t, err)

	token, exp, err := s.issue("user-1", "alice")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := s.parse(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, tokenIssuer, claims.Issuer)
}

func TestSessionsRejectBadTokens(t *testing.T) {
	s, err := newSessions([]byte("k"), time.Hour)
	require.NoError(t, err)
	token, _, err := s.issue("user-1", "alice")
	require.NoError(t, err)

	other, err := newSessions([]byte("other"), time.Hour)
	require.NoError(t, err)
	_, err = other.parse(token)
	assert.ErrorIs(t, err, errInvalidToken)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.parse(token)
	assert.ErrorIs(t, err, errInvalidToken, "expired")
	s.now = time.Now

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: tokenIssuer, Subject: "user-1"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.parse(none)
	assert.ErrorIs(t, err, errInvalidToken)

	_, err = s.parse("garbage")
	assert.ErrorIs(t, err, errInvalidToken)
}

func TestGeneratedSecret(t *testing.T) {
	a, err := newSessions(nil, 0)
	require.NoError(t, err)
	b, err := newSessions(nil, 0)
	require.NoError(t, err)
	assert.Len(t, a.secret, 32)
	assert.NotEqual(t, a.secret, b.secret)
	assert.Equal(t, defaultSessionTTL, a.ttl)
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.request(http.MethodGet, "/api/files", nil, nil)
	h.requireStatus(rec, http.StatusUnauthorized)

	rec = h.request(http.MethodGet, "/api/files", nil, map[string]string{"Authorization": "Bearer nope"})
	h.requireStatus(rec, http.StatusUnauthorized)

	token, _ := h.signup("alice")
	rec = h.jsonRequest(http.MethodGet, "/api/files", token, nil)
	h.requireStatus(rec, http.StatusOK)
}

func TestLoginFailuresAndRateLimit(t *testing.T) {
	h := newAPIHarness(t, WithLoginRate(0.001, 3))
	h.signup("alice") // one login

	rec := h.jsonRequest(http.MethodPost, "/api/login", "", loginRequest{Login: "alice", Password: "wrong password"})
	h.requireStatus(rec, http.StatusUnauthorized)
	var resp errorResponse
	decodeJSONResponse(t, rec, &resp)
	assert.Equal(t, "unauthorized", resp.Error)

	rec = h.jsonRequest(http.MethodPost, "/api/login", "", loginRequest{Login: "nobody", Password: "whatever1"})
	h.requireStatus(rec, http.StatusUnauthorized)

	rec = h.jsonRequest(http.MethodPost, "/api/login", "", loginRequest{Login: "alice", Password: "password-alice"})
	h.requireStatus(rec, http.StatusTooManyRequests)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRegisterValidation(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.jsonRequest(http.MethodPost, "/api/register", "", registerRequest{Username: "alice", Email: "not-an-email", Password: "longenough"})
	h.requireStatus(rec, http.StatusBadRequest)

	h.signup("alice")
	rec = h.jsonRequest(http.MethodPost, "/api/register", "", registerRequest{Username: "alice", Email: "other@example.org", Password: "longenough"})
	h.requireStatus(rec, http.StatusConflict)

	rec = h.request(http.MethodPost, "/api/register", nil, map[string]string{"Content-Type": "application/json"})
	h.requireStatus(rec, http.StatusBadRequest)
}

func TestMultiLimiterPerKey(t *testing.T) {
	m := newMultiLimiter(rate.Limit(0.001), 1, time.Minute)
	assert.True(t, m.allow("a"))
	assert.False(t, m.allow("a"))
	assert.True(t, m.allow("b"))
}

func TestClientIPIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	s := &Server{}
	r, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)
	r.RemoteAddr = "10.0.0.1:4000"
	assert.Equal(t, "10.0.0.1", s.clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "10.0.0.1", s.clientIP(r))
}

func TestClientIPBehindTrustedProxy(t *testing.T) {
	proxies, err := parseProxies([]string{"10.0.0.0/8", "192.0.2.7"})
	require.NoError(t, err)
	s := &Server{trustedProxies: proxies}

	r, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)
	r.RemoteAddr = "10.0.0.1:4000"
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.9, 192.0.2.7")
	assert.Equal(t, "203.0.113.9", s.clientIP(r), "right-most untrusted hop")

	r.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "10.0.0.1", s.clientIP(r))

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.1", s.clientIP(r))
}

func TestParseProxiesRejectsGarbage(t *testing.T) {
	_, err := parseProxies([]string{"not-an-ip"})
	assert.Error(t, err)
	_, err = parseProxies([]string{"10.0.0.0/99"})
	assert.Error(t, err)
	_, err = New(nil, WithTrustedProxies("not-an-ip"))
	assert.Error(t, err)
}

func TestRotatingForwardedForDoesNotBypassLoginLimit(t *testing.T) {
	h := newAPIHarness(t, WithLoginRate(0.001, 2))

	for i, want := range []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests} {
		rec := h.request(http.MethodPost, "/api/login",
			strings.NewReader(`{"login":"nobody","password":"whatever1"}`),
			map[string]string{
				"Content-Type":    "application/json",
				"X-Forwarded-For": fmt.Sprintf("203.0.113.%d", i+1),
			})
		h.requireStatus(rec, want)
	}
}
