// Package ingress is the public front door: it maps a subdomain to a tunnel,
// relays the HTTP exchange over the bus and serves the registry control API.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/koltyakov/exposebus/internal/bus"
	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/config"
	"github.com/koltyakov/exposebus/internal/correlate"
	"github.com/koltyakov/exposebus/internal/credential"
	"github.com/koltyakov/exposebus/internal/netutil"
	"github.com/koltyakov/exposebus/internal/registry"
)

const (
	maxControlBodyBytes = 16 * 1024
	purgeBatchLimit     = 100
)

// Store is the registry and API key storage the ingress runs on.
type Store interface {
	registry.Registry
	ResolveAPIKeyID(ctx context.Context, keyHash string) (string, error)
	PurgeOffline(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

type Server struct {
	cfg     config.IngressConfig
	store   Store
	lookups *registry.Cache
	bus     bus.Bus
	engine  *correlate.Engine
	issuer  *credential.HMACIssuer
	creds   *credential.Cache
	pepper  string
	limiter *rateLimiter
	log     *slog.Logger
	now     func() time.Time
	router  *mux.Router

	relayed  atomic.Int64
	notFound atomic.Int64
	offline  atomic.Int64
	timedOut atomic.Int64
	failed   atomic.Int64
	canceled atomic.Int64
}

// New builds an ingress publishing through b. The caller owns store and b.
func New(cfg config.IngressConfig, store Store, b bus.Bus, pepper string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	issuer, err := credential.NewHMACIssuer([]byte(cfg.CredentialSecret), "ingress")
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		lookups: registry.NewCache(store, cfg.LookupCacheTTL),
		bus:     b,
		engine: correlate.NewEngine(correlate.NewRegistry(0), correlate.Options{
			MetaTimeout: cfg.MetaTimeout,
			IdleTimeout: cfg.IdleTimeout,
			Reorder:     cfg.BusUnordered,
			Logger:      logger,
		}),
		issuer: issuer,
		creds: credential.NewCache(issuer, credential.CacheOptions{
			TTL:    cfg.RequestCredentialTTL,
			Logger: logger,
		}),
		pepper:  pepper,
		limiter: newRateLimiter(cfg.ControlRateLimit, cfg.ControlRateBurst),
		log:     logger,
		now:     time.Now,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving both public and control traffic.
func (s *Server) Handler() http.Handler { return s.router }

// Close releases the in-flight registry. Call after the HTTP servers stop.
func (s *Server) Close() { s.engine.Registry().Close() }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	public := r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		_, ok := s.tunnelHost(req)
		return ok
	}).Subrouter()
	public.PathPrefix("/").HandlerFunc(s.handlePublic)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/v1/tunnels", s.handleList).Methods(http.MethodGet)
	api := r.PathPrefix("/v1/tunnels").Subrouter()
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/{id}/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	api.HandleFunc("/{id}", s.handleDelete).Methods(http.MethodDelete)
	return r
}

// tunnelHost extracts the tunnel label from a "{label}.{base-domain}" host.
func (s *Server) tunnelHost(r *http.Request) (string, bool) {
	return channel.TunnelFromHost(netutil.NormalizeHost(r.Host), s.cfg.BaseDomain)
}

// Stats is a snapshot of relay counters.
type Stats struct {
	InFlight int   `json:"in_flight"`
	Relayed  int64 `json:"relayed"`
	NotFound int64 `json:"not_found"`
	Offline  int64 `json:"offline"`
	TimedOut int64 `json:"timed_out"`
	Failed   int64 `json:"failed"`
	Canceled int64 `json:"canceled"`
	Cached   int   `json:"lookup_cache_entries"`
}

func (s *Server) Stats() Stats {
	return Stats{
		InFlight: s.engine.Registry().Len(),
		Relayed:  s.relayed.Load(),
		NotFound: s.notFound.Load(),
		Offline:  s.offline.Load(),
		TimedOut: s.timedOut.Load(),
		Failed:   s.failed.Load(),
		Canceled: s.canceled.Load(),
		Cached:   s.lookups.Len(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return err
	}
	return nil
}

func isBodyTooLargeError(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
