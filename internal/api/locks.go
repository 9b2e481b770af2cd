package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chaz8081/blelock/internal/authz"
	"github.com/chaz8081/blelock/internal/ble"
	"github.com/chaz8081/blelock/internal/unlock"
)

// attemptRequest is the body of unlock and lock requests.
type attemptRequest struct {
	ProtocolVersion uint8    `json:"protocol_version"`
	KeyGroupID      uint32   `json:"key_group_id"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
}

// ResultResponse is the body returned for every attempt, whatever its outcome.
type ResultResponse struct {
	AttemptID   string `json:"attempt_id"`
	Lock        string `json:"lock"`
	Action      string `json:"action"`
	Outcome     string `json:"outcome"`
	Result      string `json:"result"`
	Kind        string `json:"kind,omitempty"`
	DenyReason  string `json:"deny_reason,omitempty"`
	Reason      string `json:"reason,omitempty"`
	OpenSeconds int    `json:"open_seconds,omitempty"`
	Attempts    int    `json:"attempts"`
	ElapsedMS   int64  `json:"elapsed_ms"`
}

func newResultResponse(res unlock.Result) ResultResponse {
	return ResultResponse{
		AttemptID:   res.AttemptID.String(),
		Lock:        res.Lock.String(),
		Action:      res.Action.String(),
		Outcome:     res.Outcome.String(),
		Result:      res.String(),
		Kind:        string(res.Kind),
		DenyReason:  string(res.DenyReason),
		Reason:      res.Reason,
		OpenSeconds: int(res.OpenDuration / time.Second),
		Attempts:    res.Attempts,
		ElapsedMS:   res.Elapsed.Milliseconds(),
	}
}

// statusFor maps a result onto an HTTP status. The body always carries the
// full result.
func statusFor(res unlock.Result) int {
	switch res.Outcome {
	case unlock.Success:
		return http.StatusOK
	case unlock.Denied:
		switch res.DenyReason {
		case authz.InvalidSession:
			return http.StatusUnauthorized
		case authz.NetworkUnavailable:
			return http.StatusServiceUnavailable
		default:
			return http.StatusForbidden
		}
	}
	switch res.Kind {
	case unlock.Busy, unlock.Canceled:
		return http.StatusConflict
	case unlock.NotFound:
		return http.StatusNotFound
	case unlock.TimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type attemptFunc func(ctx context.Context, lock ble.LockIdentity, token authz.SessionToken, loc *authz.Location) unlock.Result

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	s.handleAttempt(w, r, s.deps.Unlocker.RequestUnlock)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	s.handleAttempt(w, r, s.deps.Unlocker.RequestLock)
}

func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request, run attemptFunc) {
	token := strings.TrimSpace(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing Authorization header")
		return
	}

	var req attemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	lock, err := ble.NewLockIdentity(chi.URLParam(r, "mac"), req.ProtocolVersion, req.KeyGroupID)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var loc *authz.Location
	switch {
	case req.Latitude != nil && req.Longitude != nil:
		loc = &authz.Location{Latitude: *req.Latitude, Longitude: *req.Longitude}
	case req.Latitude != nil || req.Longitude != nil:
		writeBadRequest(w, "latitude and longitude must be given together")
		return
	}

	res := run(r.Context(), lock, authz.SessionToken(token), loc)
	writeJSON(w, statusFor(res), newResultResponse(res))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	mac, err := ble.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if !s.deps.Unlocker.Cancel(mac) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no attempt in progress for "+mac.String())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "attempt journal is disabled")
		return
	}
	mac, err := ble.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
	}

	entries, err := s.deps.History.History(r.Context(), mac, limit)
	if err != nil {
		s.log.Error("[API] History query failed", "lock", mac, "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lock":    mac.String(),
		"entries": entries,
		"count":   len(entries),
	})
}

type deviceResponse struct {
	Name   string `json:"name"`
	MAC    string `json:"mac"`
	RSSI   int    `json:"rssi"`
	IsOpen bool   `json:"is_open"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scanner == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "scanning is not available")
		return
	}
	timeout := defaultScanTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 || d > maxScanTimeout {
			writeBadRequest(w, "timeout must be a duration up to "+maxScanTimeout.String())
			return
		}
		timeout = d
	}

	devices, err := s.deps.Scanner.ScanForLocks(r.Context(), timeout)
	if err != nil {
		s.log.Warn("[API] Scan failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "scan failed")
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse{Name: d.Name, MAC: d.MAC, RSSI: d.RSSI, IsOpen: d.ReportsOpen()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}
