package apiServer

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer       = "evidence-vault"
	defaultSessionTTL = 12 * time.Hour
)

var errInvalidToken = errors.New("invalid session token")

// sessionClaims are the JWT claims of a logged in account. Subject is the
// account id.
type sessionClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// sessions issues and checks HS256 session tokens.
type sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newSessions(secret []byte, ttl time.Duration) (*sessions, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &sessions{secret: secret, ttl: ttl, now: time.Now}, nil
}

func (s *sessions) issue(userID, username string) (string, time.Time, error) { // A
	now := s.now()
	exp := now.Add(s.ttl)
	claims := sessionClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return token, exp, err
}

func (s *sessions) parse(token string) (*sessionClaims, error) { // A
	claims := &sessionClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !tok.Valid || claims.Subject == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

type ctxKey int

const claimsKey ctxKey = 1

func withClaims(ctx context.Context, c *sessionClaims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func claimsFrom(ctx context.Context) (*sessionClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*sessionClaims)
	return c, ok
}

// authRequired checks the bearer token and puts its claims on the context.
func (s *Server) authRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeMessage(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.sessions.parse(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			s.log.Warn("authentication failed", "path", r.URL.Path, logKeyError, err)
			writeMessage(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// userID returns the account id of an authenticated request.
func userID(r *http.Request) string {
	if c, ok := claimsFrom(r.Context()); ok {
		return c.Subject
	}
	return ""
}
