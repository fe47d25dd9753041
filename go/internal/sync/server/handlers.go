package server

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/labkiosk/pairsync/go/clients/syncapi"
	"github.com/labkiosk/pairsync/go/internal/sync/events"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, syncapi.ErrorResponse{Error: message, Reason: reason})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req syncapi.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed request body")
		return
	}

	if !slices.Contains(s.cfg.CreateCodes, req.CreateCode) {
		writeError(w, http.StatusUnauthorized, syncapi.ErrReasonInvalidCode, "invalid creation code")
		return
	}

	sess, operator := s.createSession()
	sc := s.mintShareCode(sess.id)

	writeJSON(w, http.StatusOK, syncapi.CreateSessionResponse{
		SessionID: sess.id,
		ClientID:  operator.id,
		Role:      operator.role,
		ShareCode: sc.code,
	})
}

func (s *Server) handleGenerateShareCode(w http.ResponseWriter, r *http.Request) {
	var req syncapi.GenerateShareCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed request body")
		return
	}

	sess, ok := s.lookupSession(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, syncapi.ErrReasonNotFound, "session not found")
		return
	}

	s.mu.Lock()
	_, member := sess.clients[req.ClientID]
	s.mu.Unlock()
	if !member {
		writeError(w, http.StatusForbidden, "", "client is not a session member")
		return
	}

	sc := s.mintShareCode(sess.id)
	writeJSON(w, http.StatusOK, syncapi.GenerateShareCodeResponse{
		ShareCode: sc.code,
		ExpiresAt: sc.expiresAt.UnixMilli(),
	})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req syncapi.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed request body")
		return
	}
	if req.Role != "viewer" && req.Role != "operator" {
		writeError(w, http.StatusBadRequest, "", "role must be viewer or operator")
		return
	}

	s.mu.Lock()
	sc, ok := s.codes[req.ShareCode]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, syncapi.ErrReasonNotFound, "share code not found")
		return
	}
	if sc.used {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, syncapi.ErrReasonUsed, "share code already used")
		return
	}
	now := s.clock.Now()
	if now.After(sc.expiresAt) {
		s.mu.Unlock()
		writeError(w, http.StatusGone, syncapi.ErrReasonExpired, "share code expired")
		return
	}

	sess, ok := s.sessions[sc.sessionID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, syncapi.ErrReasonNotFound, "session not found")
		return
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}
	sc.used = true
	sc.usedBy = clientID
	sc.usedAt = now

	sess.clients[clientID] = &clientRecord{
		id:           clientID,
		role:         req.Role,
		joinedAt:     now,
		lastActivity: now,
	}
	sess.lastActivity = now
	state := sess.state
	s.mu.Unlock()

	log.Info().
		Str("session_id", sc.sessionID).
		Str("client_id", clientID).
		Str("role", req.Role).
		Msg("share code redeemed")

	writeJSON(w, http.StatusOK, syncapi.JoinResponse{
		SessionID: sc.sessionID,
		ClientID:  clientID,
		Role:      req.Role,
		State:     state,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	clientID := r.URL.Query().Get("clientId")

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	valid := false
	if ok {
		_, valid = sess.clients[clientID]
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, syncapi.ValidateResponse{Valid: valid})
}

func (s *Server) handleMintShareCode(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req syncapi.MintShareCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed request body")
		return
	}

	sess, ok := s.lookupSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, syncapi.ErrReasonNotFound, "session not found")
		return
	}

	s.mu.Lock()
	_, member := sess.clients[req.ClientID]
	s.mu.Unlock()
	if !member {
		writeError(w, http.StatusForbidden, "", "client is not a session member")
		return
	}

	sc := s.mintShareCode(sessionID)
	writeJSON(w, http.StatusOK, syncapi.MintShareCodeResponse{
		ShareCode: sc.code,
		SessionID: sessionID,
	})
}

func (s *Server) handleShareCodeStatus(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	s.mu.Lock()
	sc, ok := s.codes[code]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, syncapi.ErrReasonNotFound, "share code not found")
		return
	}

	now := s.clock.Now()
	expired := now.After(sc.expiresAt)
	remaining := int64(0)
	if !expired && !sc.used {
		remaining = sc.expiresAt.Sub(now).Milliseconds()
	}

	writeJSON(w, http.StatusOK, syncapi.ShareCodeStatusResponse{
		Expired:       expired,
		Used:          sc.used,
		RemainingTime: remaining,
	})
}

func (s *Server) handleSessionClients(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, syncapi.ErrReasonNotFound, "session not found")
		return
	}

	resp := syncapi.SessionClientsResponse{
		ClientCount: len(sess.clients),
		State:       sess.state,
	}
	for _, c := range sess.clients {
		resp.Clients = append(resp.Clients, syncapi.SessionClient{
			ClientID:     c.id,
			Role:         c.role,
			JoinedAt:     c.joinedAt.UnixMilli(),
			LastActivity: c.lastActivity.UnixMilli(),
		})
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// handleUpdateState is the legacy REST publish path used by the polling
// transport.
func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var req syncapi.UpdateStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed request body")
		return
	}

	if !s.setState(sessionID, req.ClientID, req.Update) {
		writeError(w, http.StatusNotFound, syncapi.ErrReasonNotFound, "session not found")
		return
	}

	s.hub.broadcastExcept(sessionID, nil, mustEnvelope(events.KindStateUpdate, events.StateUpdatePayload{
		State: req.Update,
	}))

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
