// Package apiServer exposes a vault over HTTP with JWT sessions.
package apiServer

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	vault "github.com/typicallhavok/evidence-vault"
)

const (
	logKeyError = "error"

	defaultMaxUploadBytes = 512 << 20
	defaultLoginRate      = rate.Limit(1)
	defaultLoginBurst     = 5
	limiterIdleTTL        = 10 * time.Minute
)

type Server struct {
	router   *mux.Router
	vault    *vault.Vault
	log      *slog.Logger
	sessions *sessions
	logins   *multiLimiter

	jwtSecret      []byte
	sessionTTL     time.Duration
	loginRate      rate.Limit
	loginBurst     int
	maxUploadBytes int64
	proxySpecs     []string
	trustedProxies []netip.Prefix
}

type Option func(*Server)

// New returns a server for v. It fails when a trusted proxy is malformed or
// when no session secret was configured and none can be generated.
func New(v *vault.Vault, opts ...Option) (*Server, error) { // A
	s := &Server{
		router:         mux.NewRouter(),
		vault:          v,
		log:            slog.Default(),
		sessionTTL:     defaultSessionTTL,
		loginRate:      defaultLoginRate,
		loginBurst:     defaultLoginBurst,
		maxUploadBytes: defaultMaxUploadBytes,
	}

	for _, opt := range opts {
		opt(s)
	}

	proxies, err := parseProxies(s.proxySpecs)
	if err != nil {
		return nil, err
	}
	s.trustedProxies = proxies

	if len(s.jwtSecret) == 0 {
		s.log.Warn("no session secret configured, sessions end with the process")
	}
	sess, err := newSessions(s.jwtSecret, s.sessionTTL)
	if err != nil {
		return nil, err
	}
	s.sessions = sess
	s.logins = newMultiLimiter(s.loginRate, s.loginBurst, limiterIdleTTL)

	s.routes()
	return s, nil
}

func (s *Server) routes() { // AC
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.authRequired)
	authed.HandleFunc("/encryptionkey", s.handleEncryptionKey).Methods(http.MethodPost)
	authed.HandleFunc("/evidence", s.handleUpload).Methods(http.MethodPost)
	authed.HandleFunc("/evidence/{cid}", s.handleDownload).Methods(http.MethodGet)
	authed.HandleFunc("/evidence/{cid}/record", s.handleRecord).Methods(http.MethodGet)
	authed.HandleFunc("/evidence/{cid}/chain", s.handleChain).Methods(http.MethodGet)
	authed.HandleFunc("/evidence/{cid}/status", s.handleSetStatus).Methods(http.MethodPut)
	authed.HandleFunc("/files", s.handleFiles).Methods(http.MethodGet)
	authed.HandleFunc("/cases", s.handleCreateCase).Methods(http.MethodPost)
	authed.HandleFunc("/cases", s.handleCases).Methods(http.MethodGet)
	authed.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // AC
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	} else {
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)

	allowedHeaders := r.Header.Get("Access-Control-Request-Headers")
	if allowedHeaders == "" {
		allowedHeaders = "Authorization, Content-Type, Accept, X-File-Password, Idempotency-Key"
	}
	w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	w.Header().Set(
		"Access-Control-Expose-Headers",
		"Content-Type, Content-Length, Content-Disposition, X-Evidence-Cid, X-Evidence-Integrity, X-Evidence-Last-Modified",
	)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.router.ServeHTTP(w, r)
}
