package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Ario-Inc/spark-protocol/internal/models"
	"github.com/Ario-Inc/spark-protocol/internal/session"
	"github.com/Ario-Inc/spark-protocol/internal/storage"
)

const maxFlashUpload = 4 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// verbStatus maps a verb failure onto an HTTP status.
func verbStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, session.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrUnknownVariable), errors.Is(err, session.ErrUnknownFunction):
		return http.StatusNotFound
	case errors.Is(err, session.ErrDisconnected):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// ========== Auth Handlers ==========

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// handleLogin verifies credentials and issues a token pair.
func (s *RESTServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err == storage.ErrNotFound {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !user.IsActive || !s.auth.VerifyPassword(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	access, refresh, err := s.auth.GenerateTokenPair(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  access,
		"refreshToken": refresh,
	})
}

// handleRefresh exchanges a refresh token for a fresh pair.
func (s *RESTServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, err := s.auth.RefreshSubject(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}

	access, refresh, err := s.auth.GenerateTokenPair(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"accessToken":  access,
		"refreshToken": refresh,
	})
}

// ========== Device Handlers ==========

type deviceSummary struct {
	DeviceID  string `json:"deviceId"`
	Connected bool   `json:"connected"`
	Flashing  bool   `json:"flashing,omitempty"`

	*models.DeviceAttributes
}

// handleListDevices lists known devices with their connection state.
func (s *RESTServer) handleListDevices(w http.ResponseWriter, r *http.Request) {
	attrs, total, err := s.store.ListDeviceAttributes(r.Context(), 200, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}

	connected := make(map[models.DeviceID]*session.Session)
	for _, sess := range s.registry.List() {
		connected[sess.ID()] = sess
	}

	out := make([]deviceSummary, 0, len(attrs))
	for _, a := range attrs {
		sess, ok := connected[a.DeviceID]
		summary := deviceSummary{
			DeviceID:         a.DeviceID.String(),
			Connected:        ok,
			DeviceAttributes: a,
		}
		if ok {
			summary.Flashing = sess.Owned()
		}
		out = append(out, summary)
		delete(connected, a.DeviceID)
	}
	// Sessions without a stored record are still live devices.
	for id, sess := range connected {
		out = append(out, deviceSummary{
			DeviceID:  id.String(),
			Connected: true,
			Flashing:  sess.Owned(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":   total,
		"devices": out,
	})
}

// handleGetDevice returns one device's stored attributes and live state.
func (s *RESTServer) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}

	attrs, err := s.store.GetDeviceAttributes(r.Context(), id)
	if err != nil && err != storage.ErrNotFound {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	sess, connected := s.registry.Get(id)
	summary := deviceSummary{
		DeviceID:         id.String(),
		Connected:        connected,
		DeviceAttributes: attrs,
	}
	if connected {
		summary.Flashing = sess.Owned()
	}
	if attrs == nil && !connected {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// handleDescribe returns the live session's introspection; the session runs
// a describe only when it has none cached yet.
func (s *RESTServer) handleDescribe(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}

	intro, err := sess.Describe()
	if err != nil {
		writeError(w, verbStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"systemInformation": intro.SystemInformation,
		"functionState":     intro.FunctionState,
		"variables":         intro.Variables,
	})
}

// handleGetVariable reads a cloud variable.
func (s *RESTServer) handleGetVariable(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}

	value, err := sess.GetVariable(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, verbStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   chi.URLParam(r, "name"),
		"result": value,
	})
}

// handleCallFunction invokes a cloud function.
func (s *RESTServer) handleCallFunction(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}

	var req struct {
		Args []interface{} `json:"args"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := sess.CallFunction(chi.URLParam(r, "name"), req.Args)
	if err != nil {
		writeError(w, verbStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   chi.URLParam(r, "name"),
		"return": result,
	})
}

// handleSignal toggles the device's visual signal.
func (s *RESTServer) handleSignal(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}

	var req struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := sess.RaiseSignal(req.On); err != nil {
		writeError(w, verbStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"signaling": req.On})
}

// handleFlash streams an uploaded firmware binary to the device.
func (s *RESTServer) handleFlash(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.liveSession(w, r)
	if !ok {
		return
	}

	image, err := io.ReadAll(io.LimitReader(r.Body, maxFlashUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload")
		return
	}
	if len(image) > maxFlashUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "binary too large")
		return
	}

	store := r.URL.Query().Get("store")
	address := r.URL.Query().Get("address")

	started := time.Now()
	if err := sess.Flash(image, store, address); err != nil {
		log.Warn().Err(err).Str("device", sess.ID().String()).Msg("flash failed")
		writeError(w, verbStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"size":     len(image),
		"duration": time.Since(started).String(),
	})
}

// handleRaiseEvent publishes a cloud event toward subscribed devices.
func (s *RESTServer) handleRaiseEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name" validate:"required"`
		DeviceID string `json:"deviceId"`
		Data     string `json:"data"`
		TTL      uint32 `json:"ttl"`
		IsPublic bool   `json:"isPublic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	event := &models.Event{
		Name:        req.Name,
		Data:        []byte(req.Data),
		TTL:         req.TTL,
		PublishedAt: time.Now(),
		IsPublic:    req.IsPublic,
	}
	if req.DeviceID != "" {
		id, err := models.ParseDeviceID(req.DeviceID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		event.DeviceID = id
	}

	if err := s.publisher.Publish(event); err != nil {
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

// deviceID parses the path's device id.
func (s *RESTServer) deviceID(w http.ResponseWriter, r *http.Request) (models.DeviceID, bool) {
	id, err := models.ParseDeviceID(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return id, false
	}
	return id, true
}

// liveSession resolves the path's device id to a connected session.
func (s *RESTServer) liveSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return nil, false
	}

	sess, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "device not connected")
		return nil, false
	}
	return sess, true
}
