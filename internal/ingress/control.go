package ingress

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/koltyakov/exposebus/internal/auth"
	"github.com/koltyakov/exposebus/internal/channel"
	"github.com/koltyakov/exposebus/internal/config"
	"github.com/koltyakov/exposebus/internal/domain"
	"github.com/koltyakov/exposebus/internal/registry"
)

// authenticated resolves the bearer API key to its key id and applies the
// per-key rate limit before calling next.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := auth.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "unauthorized")
			return
		}
		owner, err := s.store.ResolveAPIKeyID(r.Context(), auth.HashAPIKey(key, s.pepper))
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "invalid api key", "unauthorized")
				return
			}
			s.log.Error("api key lookup failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error", "")
			return
		}
		if !s.limiter.allow(owner) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
			return
		}
		next(w, r, owner)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.authenticated(s.register)(w, r)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.authenticated(s.heartbeat)(w, r)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.authenticated(s.disconnect)(w, r)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.authenticated(s.list)(w, r)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.authenticated(s.delete)(w, r)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request, owner string) {
	var req domain.RegisterRequest
	if err := decodeJSONBody(w, r, maxControlBodyBytes, &req); err != nil {
		if isBodyTooLargeError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json", "")
		return
	}
	req.TunnelID = strings.ToLower(strings.TrimSpace(req.TunnelID))
	if err := channel.ValidateTunnelID(req.TunnelID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_tunnel_id")
		return
	}
	if req.TargetPort <= 0 || req.TargetPort > 65535 {
		writeError(w, http.StatusBadRequest, "target_port must be between 1 and 65535", "")
		return
	}

	rec, err := s.store.Register(r.Context(), owner, req.TunnelID, req.TargetPort, domain.TunnelStatusPending)
	if err != nil {
		s.writeStoreError(w, "register", req.TunnelID, err)
		return
	}
	s.lookups.Invalidate(rec.ID)

	pattern := channel.CapabilityPattern(rec.ID)
	cred, err := s.issuer.WithSubject(owner).Issue(r.Context(), pattern, s.cfg.AgentCredentialTTL)
	if err != nil {
		s.log.Error("issue agent credential failed", "tunnel_id", rec.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to issue credential", "")
		return
	}
	s.log.Info("tunnel registered",
		"tunnel_id", rec.ID,
		"owner", owner,
		"target_port", rec.TargetPort,
		"agent_version", req.AgentVersion,
	)
	writeJSON(w, http.StatusOK, domain.RegisterResponse{
		TunnelID:     rec.ID,
		PublicURL:    s.publicURL(rec.ID),
		RequestTopic: channel.RequestTopic(rec.ID),
		Credential:   cred.Token,
		Capability:   pattern,
		ExpiresAt:    cred.ExpiresAt,
	})
}

// agentCredential checks the credential issued at registration: a valid
// signature, the caller's key as subject and a scope covering tunnel id.
func (s *Server) agentCredential(w http.ResponseWriter, r *http.Request, owner, id string) bool {
	cred, err := s.issuer.Verify(r.Header.Get(registry.CredentialHeader))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired agent credential", "invalid_credential")
		return false
	}
	if cred.Subject != owner || !cred.Allows(channel.RequestTopic(id)) {
		writeError(w, http.StatusForbidden, "credential does not cover this tunnel", "unauthorized")
		return false
	}
	return true
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, owner string) {
	id := mux.Vars(r)["id"]
	if !s.agentCredential(w, r, owner, id) {
		return
	}
	if err := s.store.Heartbeat(r.Context(), owner, id); err != nil {
		s.writeStoreError(w, "heartbeat", id, err)
		return
	}
	// A heartbeat may revive an offline tunnel.
	s.lookups.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

// disconnect marks the tunnel offline when its agent shuts down cleanly, so
// public requests get 503 at once instead of waiting for heartbeat expiry.
func (s *Server) disconnect(w http.ResponseWriter, r *http.Request, owner string) {
	id := mux.Vars(r)["id"]
	if !s.agentCredential(w, r, owner, id) {
		return
	}
	if err := s.store.SetStatus(r.Context(), owner, id, domain.TunnelStatusOffline); err != nil {
		s.writeStoreError(w, "disconnect", id, err)
		return
	}
	s.lookups.Invalidate(id)
	s.creds.Forget(id)
	s.log.Info("tunnel disconnected", "tunnel_id", id, "owner", owner)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, owner string) {
	recs, err := s.store.ListByOwner(r.Context(), owner)
	if err != nil {
		s.writeStoreError(w, "list", "", err)
		return
	}
	views := make([]domain.TunnelView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, domain.ViewOf(rec))
	}
	writeJSON(w, http.StatusOK, struct {
		Tunnels []domain.TunnelView `json:"tunnels"`
	}{Tunnels: views})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request, owner string) {
	id := mux.Vars(r)["id"]
	if err := s.store.Delete(r.Context(), owner, id); err != nil {
		s.writeStoreError(w, "delete", id, err)
		return
	}
	s.lookups.Invalidate(id)
	s.creds.Forget(id)
	s.log.Info("tunnel deleted", "tunnel_id", id, "owner", owner)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) publicURL(id string) string {
	scheme := "http"
	if s.cfg.TLSMode == config.TLSModeAuto {
		scheme = "https"
	}
	return scheme + "://" + id + "." + s.cfg.BaseDomain
}

func (s *Server) writeStoreError(w http.ResponseWriter, op, id string, err error) {
	switch {
	case errors.Is(err, domain.ErrTunnelNotFound):
		writeError(w, http.StatusNotFound, "tunnel not found", "tunnel_not_found")
	case errors.Is(err, domain.ErrTunnelExists):
		writeError(w, http.StatusConflict, "tunnel id is owned by another key", "tunnel_exists")
	case errors.Is(err, domain.ErrTunnelLimitReached):
		writeError(w, http.StatusForbidden, "tunnel limit reached for this api key", "tunnel_limit")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "tunnel is owned by another key", "unauthorized")
	default:
		s.log.Error("control api store error", "op", op, "tunnel_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code})
}
