package utils

import (
	"strings"

	"go.uber.org/zap"

	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/bluetooth"
	"github.com/shardsofaperture/Motorola-Advisor-BLE-Pager/store"
)

// WebSocketBroadcaster provides typed broadcasts for bridge events.
type WebSocketBroadcaster struct {
	wsHub  *WebSocketHub
	logger *zap.Logger
}

func NewWebSocketBroadcaster(wsHub *WebSocketHub, logger *zap.Logger) *WebSocketBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketBroadcaster{
		wsHub:  wsHub,
		logger: logger.Named("broadcast"),
	}
}

func (b *WebSocketBroadcaster) BroadcastCommandResult(r bluetooth.CommandResult) {
	b.logger.Debug("Broadcasting command result", zap.String("command", r.Command), zap.String("tag", string(r.Tag)))
	b.wsHub.Broadcast(WebSocketEvent{
		Type:    EventCommandResult,
		Payload: NewCommandResultPayload(r.Command, r.Outcome),
	})
}

// NewCommandResultPayload flattens an outcome for JSON clients.
func NewCommandResultPayload(command string, o bluetooth.Outcome) CommandResultPayload {
	p := CommandResultPayload{
		Command:     strings.TrimSpace(command),
		Succeeded:   o.Succeeded,
		Message:     o.Message,
		StatusReply: o.StatusReply,
		Tag:         bluetooth.ClassifyOutcome(o),
		Attempts:    o.Attempts,
		Chunks:      o.Chunks,
		ElapsedMs:   o.Elapsed.Milliseconds(),
	}
	if o.Kind != bluetooth.KindNone {
		p.Kind = o.Kind.String()
	}
	return p
}

func (b *WebSocketBroadcaster) BroadcastForwardResult(r bluetooth.ForwardResult) {
	p := ForwardResultPayload{
		Source:      r.Notification.Source,
		Sender:      strings.TrimSpace(r.Notification.Title),
		Succeeded:   r.Outcome.Succeeded,
		Message:     r.Outcome.Message,
		StatusReply: r.Outcome.StatusReply,
		Tag:         r.Tag,
		PassCount:   r.PassCount,
	}
	if r.Tag == bluetooth.TagSent {
		p.Indicator = bluetooth.IndicatorText(r.PassCount)
	}
	b.wsHub.Broadcast(WebSocketEvent{Type: EventForwardResult, Payload: p})
}

func (b *WebSocketBroadcaster) BroadcastLog(e store.LogEntry) {
	b.wsHub.Broadcast(WebSocketEvent{
		Type:    EventLog,
		Payload: LogPayload{TimestampMs: e.Time.UnixMilli(), Line: e.Line},
	})
}

func (b *WebSocketBroadcaster) BroadcastLogCleared() {
	b.wsHub.Broadcast(WebSocketEvent{Type: EventLogCleared, Payload: map[string]interface{}{"passCount": 0}})
}

func (b *WebSocketBroadcaster) BroadcastConfig(cfg store.Config) {
	b.wsHub.Broadcast(WebSocketEvent{Type: EventConfigChanged, Payload: ConfigPayload{Config: cfg}})
}

func (b *WebSocketBroadcaster) BroadcastBridgeStopped() {
	b.logger.Info("Bridge stopped")
	b.wsHub.Broadcast(WebSocketEvent{Type: EventBridgeStopped, Payload: map[string]interface{}{}})
}
