package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/cache"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/connectivity"
	"github.com/AxelCastilloZ/mobile-app-bomberos/internal/queue"
)

// EnqueueRequest is the body of POST /api/queue.
type EnqueueRequest struct {
	Type     queue.OperationType `json:"type"`
	Payload  map[string]any      `json:"payload"`
	Priority queue.Priority      `json:"priority,omitempty"`
}

// SettingsRequest is the body of POST /api/settings. Absent fields are
// left unchanged.
type SettingsRequest struct {
	AutoSync     *bool `json:"autoSync,omitempty"`
	SyncInterval *int  `json:"syncInterval,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.GetDebugInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, info)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.svc.State())
}

// handleListQueue lists operations, optionally filtered by ?status=.
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	ops := s.svc.Operations()
	if status := queue.Status(r.URL.Query().Get("status")); status != "" {
		filtered := ops[:0]
		for _, op := range ops {
			if op.Status == status {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	writeOK(w, ops)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := s.svc.EnqueueOperation(r.Context(), req.Type, req.Payload, req.Priority)
	if err != nil && id == "" {
		writeError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("operation queued in memory only", "id", id, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": map[string]string{"id": id}})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.svc.GetQueueStats())
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]int{"removed": s.svc.PruneQueue(r.Context())})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	s.svc.ClearQueue(r.Context())
	writeOK(w, s.svc.GetQueueStats())
}

func (s *Server) handleRemoveOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.RemoveOperation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"id": id})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, res)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SyncInterval != nil {
		if err := s.svc.SetSyncInterval(*req.SyncInterval); err != nil {
			writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}
	if req.AutoSync != nil {
		s.svc.SetAutoSync(*req.AutoSync)
	}
	writeOK(w, s.svc.State())
}

func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request) {
	kind := cache.Kind(r.PathValue("kind"))
	entry, ok, err := s.svc.GetFromCache(r.Context(), kind)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "not cached"})
		return
	}
	writeOK(w, entry)
}

// handlePutCache stores the raw request body as the cached data.
func (s *Server) handlePutCache(w http.ResponseWriter, r *http.Request) {
	kind := cache.Kind(r.PathValue("kind"))
	var data json.RawMessage
	if err := decodeBody(w, r, &data); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.SaveToCache(r.Context(), kind, data); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"kind": kind, "size": s.svc.State().CacheSize})
}

func (s *Server) handleRemoveCache(w http.ResponseWriter, r *http.Request) {
	kind := cache.Kind(r.PathValue("kind"))
	if err := s.svc.RemoveFromCache(r.Context(), kind); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"kind": kind})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearCache(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]int64{"size": 0})
}

func (s *Server) handleToggleCache(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.svc.ToggleCache(req.Enabled)
	writeOK(w, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.CheckConnection(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"status": st, "online": st.Online()})
}

// handleSetConnectivity pushes a status into the manual provider. It is
// only routed to a provider when the daemon runs in manual mode.
func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.manual == nil {
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": "connectivity is probed, not set"})
		return
	}
	var st connectivity.Status
	if err := decodeBody(w, r, &st); err != nil {
		writeError(w, err)
		return
	}
	s.manual.Set(st)
	writeOK(w, map[string]any{"status": st, "online": st.Online()})
}

func (s *Server) handleSecure(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.SecureStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, info)
}
