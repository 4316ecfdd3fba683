package control

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veesix-networks/osdhcpc/pkg/lease"
	"github.com/veesix-networks/osdhcpc/pkg/logger"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.client.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, statusFromSnapshot(s.cfg.Interface, snap))
}

func statusFromSnapshot(iface string, snap lease.Snapshot) StatusResponse {
	resp := StatusResponse{
		Interface: iface,
		State:     snap.State.String(),
		XID:       snap.XID,
	}

	if snap.AssignedAddress != nil {
		resp.Address = snap.AssignedAddress.String()
	} else if snap.OfferedAddress != nil {
		resp.Address = snap.OfferedAddress.String()
	}
	if snap.ServerID != nil {
		resp.ServerID = snap.ServerID.String()
	}

	if snap.AssignedAddress != nil && !snap.BoundAt.IsZero() {
		resp.LeaseSeconds = snap.LeaseSeconds

		bound := snap.BoundAt
		renews := bound.Add(snap.RenewalAfter)
		rebinds := renews.Add(snap.RebindingAfter)
		expires := rebinds.Add(snap.ExpirationAfter)
		resp.BoundAt = &bound
		resp.RenewsAt = &renews
		resp.RebindsAt = &rebinds
		resp.ExpiresAt = &expires
	}

	return resp
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Load(r.Context(), s.cfg.Interface)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "no lease checkpoint")
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, EventsResponse{Events: s.ring.snapshot()})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}
	s.writeJSON(w, s.bus.Stats())
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Renew(r.Context()); err != nil {
		s.operError(w, "renew", err)
		return
	}
	s.writeJSON(w, OperResponse{Status: "ok"})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Release(r.Context()); err != nil {
		s.operError(w, "release", err)
		return
	}
	s.writeJSON(w, OperResponse{Status: "ok"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.client.Restart(r.Context()); err != nil {
		s.operError(w, "restart", err)
		return
	}
	s.writeJSON(w, OperResponse{Status: "ok"})
}

func (s *Server) handleLogging(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("component")

	var body LoggingRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	level := logger.LogLevel(body.Level)
	switch level {
	case logger.LogLevelDebug, logger.LogLevelInfo, logger.LogLevelWarn, logger.LogLevelError:
		logger.SetComponentLevel(name, level)
		s.writeJSON(w, LoggingResponse{Name: name, Level: body.Level})
	default:
		if body.Level == "" {
			logger.ClearComponentLevel(name)
			s.writeJSON(w, LoggingResponse{Name: name, Level: "default"})
			return
		}
		s.writeError(w, http.StatusBadRequest,
			"invalid level: "+body.Level+" (must be debug, info, warn, error)")
	}
}

func (s *Server) handleEventsDebug(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	var body EventsDebugRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.bus.SetDebugTopics(body.Topics)
	s.writeJSON(w, EventsDebugResponse{Topics: s.bus.DebugTopics()})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, buildOpenAPISpec())
}

// operError maps an illegal-edge rejection to 409 so the operator can tell
// "wrong state" from a daemon fault.
func (s *Server) operError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, lease.ErrInvalidTransition) {
		status = http.StatusConflict
	}
	s.logger.Warn("Operation rejected", "operation", op, "status", status, "error", err)
	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	encoder.Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	encoder.Encode(ErrorResponse{Error: message})
}
