package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/bluetooth"
	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/store"
	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/utils"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// errorStatus maps bridge errors to HTTP status codes.
func errorStatus(err error) int {
	switch err {
	case bluetooth.ErrNotRunning, bluetooth.ErrNotStarted:
		return http.StatusServiceUnavailable
	case bluetooth.ErrForwardingDisabled:
		return http.StatusConflict
	case bluetooth.ErrIgnoredSource:
		return http.StatusUnprocessableEntity
	case bluetooth.ErrBlankNotification, bluetooth.ErrEmptyCommand:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}
	s.wsHub.AddClient(conn)

	// Reads only serve to notice the client going away.
	go func() {
		defer s.wsHub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		methodNotAllowed(w)
		return
	}

	var req utils.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	text, err := bluetooth.NormalizePayload(req.Text)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Text is empty")
		return
	}

	if err := s.bridge.SendToPager(text); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		methodNotAllowed(w)
		return
	}

	var req utils.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := bluetooth.NormalizeCommand(req.Command); err != nil {
		writeError(w, http.StatusBadRequest, "Command is empty")
		return
	}

	s.awaitOutcome(w, r, req.Command, func(h bluetooth.ResultHandler) error {
		return s.bridge.SendCommand(req.Command, h)
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" && r.Method != "GET" {
		methodNotAllowed(w)
		return
	}

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/query/"), "/")
	known := false
	for _, q := range bluetooth.QueryCommands {
		if q == name {
			known = true
			break
		}
	}
	if !known {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown query %q", name))
		return
	}

	s.awaitOutcome(w, r, name, func(h bluetooth.ResultHandler) error {
		return s.bridge.SendCommand(name, h)
	})
}

func (s *Server) handleTxPower(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		cfg, err := s.store.Config()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dbm":       cfg.LastTxPower,
			"custom":    cfg.CustomTxPower,
			"supported": bluetooth.SupportedTxPowers,
		})
	case "POST":
		var req utils.TxPowerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Dbm == nil {
			writeError(w, http.StatusBadRequest, "TX power must be a whole number")
			return
		}
		dbm := *req.Dbm
		if !bluetooth.ValidTxPower(dbm) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Unsupported TX power %d dBm. Use: %s",
				dbm, joinInts(bluetooth.SupportedTxPowers)))
			return
		}
		if err := s.store.SetTxPower(dbm); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		command, _ := bluetooth.TxPowerCommand(dbm)
		s.awaitOutcome(w, r, command, func(h bluetooth.ResultHandler) error {
			return s.bridge.SetTxPower(dbm, h)
		})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) awaitOutcome(w http.ResponseWriter, r *http.Request, command string, send func(bluetooth.ResultHandler) error) {
	ch := make(chan bluetooth.Outcome, 1)
	if err := send(func(o bluetooth.Outcome) { ch <- o }); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandWait)
	defer cancel()
	select {
	case o := <-ch:
		code := http.StatusOK
		if !o.Succeeded {
			code = http.StatusBadGateway
		}
		writeJSON(w, code, utils.NewCommandResultPayload(command, o))
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "Timed out waiting for the pager")
	}
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		methodNotAllowed(w)
		return
	}

	var req utils.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	err := s.bridge.Forward(bluetooth.Notification{Source: req.Source, Title: req.Title, Text: req.Text})
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "forwarding"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		cfg, err := s.store.Config()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case "PUT", "POST":
		cfg, err := s.store.Config()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// Fields missing from the body keep their stored values.
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		saved, err := s.store.SaveConfig(cfg)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.broadcaster.BroadcastConfig(saved)
		writeJSON(w, http.StatusOK, saved)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		count, err := s.store.PassCount()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entries := s.store.ActivityLog().Entries()
		if entries == nil {
			entries = []store.LogEntry{}
		}
		writeJSON(w, http.StatusOK, utils.LogsResponse{Entries: entries, PassCount: count})
	case "DELETE":
		if err := s.store.ClearLogs(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.broadcaster.BroadcastLogCleared()
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		methodNotAllowed(w)
		return
	}

	devices, err := s.bridge.BondedDevices()
	if err != nil {
		s.logger.Error("Failed to list bonded devices", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if devices == nil {
		devices = []bluetooth.Peripheral{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		methodNotAllowed(w)
		return
	}

	cfg, err := s.store.Config()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	count, err := s.store.PassCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := utils.StatusResponse{
		ManagerStatus:    s.bridge.Status(),
		Forwarding:       cfg.ForwardingEnabled,
		OngoingIndicator: cfg.OngoingIndicator,
		PassCount:        count,
		Clients:          s.wsHub.ClientCount(),
	}
	if cfg.OngoingIndicator {
		resp.Indicator = bluetooth.IndicatorText(count)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBridgeStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		methodNotAllowed(w)
		return
	}

	if err := s.store.StopBridge(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.store.AppendLog("Bridge stopped")
	s.broadcaster.BroadcastBridgeStopped()
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}
