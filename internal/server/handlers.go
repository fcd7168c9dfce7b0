package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jamilxt/spring-chat/internal/auth"
	"github.com/jamilxt/spring-chat/internal/domain"
	"github.com/jamilxt/spring-chat/internal/metrics"
	"github.com/jamilxt/spring-chat/internal/store"
	"github.com/jamilxt/spring-chat/internal/subscribe"
)

const (
	maxBodyBytes = 4 << 10

	// Read deadline for websocket subscribers; refreshed on every pong.
	pongWait = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin subscribers are allowed; access control happens
		// through the token.
		return true
	},
}

type createRequest struct {
	Name string `json:"name"`
}

type inviteRequest struct {
	ChannelID string `json:"channelId"`
	ToUserID  string `json:"toUserId"`
}

type channelRequest struct {
	ChannelID string `json:"channelId"`
}

type kickRequest struct {
	ChannelID    string `json:"channelId"`
	TargetUserID string `json:"targetUserId"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// currentUserID resolves the acting user: JWT claims when auth is enabled,
// otherwise the userId query parameter for development setups.
func (s *Server) currentUserID(r *http.Request) (string, error) {
	if claims, ok := auth.GetUserFromContext(r.Context()); ok {
		return claims.UserID, nil
	}
	if !s.cfg.Auth.RequireAuth {
		if id := r.URL.Query().Get("userId"); id != "" {
			return id, nil
		}
	}
	return "", errors.New("request carries no user identity")
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	profile, err := s.service.CreateChannel(r.Context(), userID, req.Name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req inviteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dto, err := s.service.InviteToChannel(r.Context(), userID, req.ToUserID, req.ChannelID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req channelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dto, err := s.service.AcceptInvitation(r.Context(), userID, req.ChannelID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req kickRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dto, err := s.service.RemoveFromChannel(r.Context(), userID, req.TargetUserID, req.ChannelID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	var req channelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	dto, err := s.service.LeaveChannel(r.Context(), userID, req.ChannelID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	since := time.Time{}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err = time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("since must be RFC 3339"))
			return
		}
	}
	page, err := queryInt(r, "page", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	size, err := queryInt(r, "size", 10)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	slice, err := s.service.GetAllChannels(r.Context(), userID, since, domain.PageRequest{Page: page, Size: size})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slice)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := s.currentUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	profile, err := s.service.GetChannelProfile(r.Context(), userID, r.URL.Query().Get("channelId"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// handleUserProfile resolves a username to its public profile, e.g. to find
// the user to invite.
func (s *Server) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	if _, err := s.currentUserID(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	ref, err := s.service.GetUserByName(r.Context(), r.URL.Query().Get("username"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// handleSubscribeSSE registers a server-sent-event subscriber and streams
// until the handle closes: client disconnect, server shutdown, or the
// session ceiling.
func (s *Server) handleSubscribeSSE(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.subscriberIdentity(w, r)
	if !ok {
		return
	}
	id, err := s.service.CheckUserExists(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	handle, err := subscribe.NewSSEHandle(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.registry.Subscribe(id, handle); err != nil {
		s.logger.Error("sse subscribe failed", zap.String("user", userID), zap.Error(err))
		handle.Close()
		return
	}
	if err := handle.SendConnect(); err != nil {
		handle.Close()
		return
	}

	select {
	case <-handle.Done():
	case <-r.Context().Done():
		handle.Close()
	}
}

// handleSubscribeWS upgrades to a websocket subscriber. The read loop exists
// to observe client disconnects and control frames; inbound data frames are
// ignored.
func (s *Server) handleSubscribeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.subscriberIdentity(w, r)
	if !ok {
		return
	}
	id, err := s.service.CheckUserExists(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", zap.Error(err))
		return
	}

	handle := subscribe.NewWSHandle(conn)
	if err := s.registry.Subscribe(id, handle); err != nil {
		s.logger.Error("ws subscribe failed", zap.String("user", userID), zap.Error(err))
		handle.Close()
		return
	}
	if err := handle.SendConnect(); err != nil {
		handle.Close()
		return
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	handle.Close()
}

// subscriberIdentity authenticates a subscribe request. Browsers cannot set
// headers on EventSource/WebSocket requests, so the token is usually in the
// query string.
func (s *Server) subscriberIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !s.cfg.Auth.RequireAuth {
		if id := r.URL.Query().Get("userId"); id != "" {
			return id, true
		}
		writeError(w, http.StatusUnauthorized, errors.New("userId query parameter missing"))
		return "", false
	}
	claims, err := s.jwt.RequestAuth(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return "", false
	}
	return claims.UserID, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"services": map[string]any{
			"bus": map[string]any{
				"connected": s.nats.IsConnected(),
				"status":    s.nats.Status().String(),
			},
			"subscriptions": map[string]any{
				"online": s.registry.Online(),
			},
		},
		"system": metrics.CollectSystemStats(),
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleDevToken(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	username := r.URL.Query().Get("username")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("userId query parameter missing"))
		return
	}
	token, err := s.jwt.Generate(userID, username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		invalidOp  *domain.InvalidOperation
		noUser     *domain.UserDoesNotExist
		noChannel  *domain.ChannelDoesNotExist
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &invalidOp):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &noUser), errors.As(err, &noChannel):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrVersionConflict):
		writeError(w, http.StatusConflict, err)
	default:
		s.logger.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Message: err.Error()})
}
