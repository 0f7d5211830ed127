package apiServer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	vault "github.com/typicallhavok/evidence-vault"
)

func writeJSON(w http.ResponseWriter, status int, payload any) { // A
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("failed to encode response", logKeyError, err)
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusOf maps a vault error to its HTTP status.
func statusOf(err error) int {
	if errors.Is(err, vault.ErrNotOwner) {
		return http.StatusForbidden
	}
	switch vault.KindOf(err) {
	case vault.KindFormat:
		return http.StatusBadRequest
	case vault.KindAuthentication, vault.KindIdentity:
		return http.StatusUnauthorized
	case vault.KindNotFound:
		return http.StatusNotFound
	case vault.KindConflict:
		return http.StatusConflict
	case vault.KindUnavailable:
		return http.StatusServiceUnavailable
	case vault.KindChainIntegrity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err with the user-facing message of its kind. The
// cause is only logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) { // A
	kind := vault.KindOf(err)
	status := statusOf(err)
	if status >= http.StatusInternalServerError || kind == vault.KindChainIntegrity {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, logKeyError, err)
	} else {
		s.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, logKeyError, err)
	}
	if kind.Retryable() {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: kind.Message(), Kind: kind.String(), Retryable: kind.Retryable()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func tooMany(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeMessage(w, http.StatusTooManyRequests, "too many requests")
}

func WithLogger(logger *slog.Logger) Option { // HC
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithJWTSecret sets the HS256 session key. Without it a random key is used.
func WithJWTSecret(secret []byte) Option {
	return func(s *Server) {
		s.jwtSecret = secret
	}
}

func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithLoginRate limits login attempts per client address.
func WithLoginRate(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.loginRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			s.loginBurst = burst
		}
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithTrustedProxies lists the reverse proxies, as CIDRs or addresses, whose
// X-Forwarded-For header identifies the client. Without it the peer address
// is always used.
func WithTrustedProxies(proxies ...string) Option {
	return func(s *Server) {
		s.proxySpecs = append(s.proxySpecs, proxies...)
	}
}
