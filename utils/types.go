package utils

import (
	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/bluetooth"
	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/store"
)

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	EventCommandResult = "command_result"
	EventForwardResult = "forward_result"
	EventLog           = "log"
	EventLogCleared    = "log_cleared"
	EventConfigChanged = "config_changed"
	EventBridgeStopped = "bridge_stopped"
)

type CommandResultPayload struct {
	Command     string              `json:"command"`
	Succeeded   bool                `json:"succeeded"`
	Message     string              `json:"message"`
	StatusReply string              `json:"statusReply,omitempty"`
	Tag         bluetooth.ResultTag `json:"tag"`
	Kind        string              `json:"kind,omitempty"`
	Attempts    int                 `json:"attempts"`
	Chunks      int                 `json:"chunks"`
	ElapsedMs   int64               `json:"elapsedMs"`
}

type ForwardResultPayload struct {
	Source      string              `json:"source"`
	Sender      string              `json:"sender"`
	Succeeded   bool                `json:"succeeded"`
	Message     string              `json:"message"`
	StatusReply string              `json:"statusReply,omitempty"`
	Tag         bluetooth.ResultTag `json:"tag"`
	PassCount   int                 `json:"passCount,omitempty"`
	Indicator   string              `json:"indicator,omitempty"`
}

type LogPayload struct {
	TimestampMs int64  `json:"timestamp_ms"`
	Line        string `json:"line"`
}

type ConfigPayload struct {
	Config store.Config `json:"config"`
}

// HTTP

type SendRequest struct {
	Text string `json:"text"`
}

type CommandRequest struct {
	Command string `json:"command"`
}

type TxPowerRequest struct {
	Dbm *int `json:"dbm"`
}

type NotificationRequest struct {
	Source string `json:"source"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

type StatusResponse struct {
	bluetooth.ManagerStatus
	Forwarding       bool   `json:"forwarding"`
	OngoingIndicator bool   `json:"ongoingIndicator"`
	PassCount        int    `json:"passCount"`
	Indicator        string `json:"indicator,omitempty"`
	Clients          int    `json:"clients"`
}

type LogsResponse struct {
	Entries   []store.LogEntry `json:"entries"`
	PassCount int              `json:"passCount"`
}
