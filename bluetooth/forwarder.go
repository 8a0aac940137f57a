package bluetooth

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultSourcePackage is the only notification source forwarded by default.
const DefaultSourcePackage = "com.google.android.apps.messaging"

var (
	ErrForwardingDisabled = errors.New("forwarding disabled")
	ErrIgnoredSource      = errors.New("notification source not forwarded")
	ErrBlankNotification  = errors.New("notification has no sender or body")
	ErrNotStarted         = errors.New("transaction not started")
)

// Notification is an inbound message to relay to the pager.
type Notification struct {
	Source string `json:"source"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

// Sender starts pager transactions.
type Sender interface {
	SendTransaction(payload []byte, expectStatusReply bool, handler ResultHandler) bool
}

// Activity records what happened to forwarded messages.
type Activity interface {
	AppendLog(line string)
	IncrementPassCount() (int, error)
}

// ForwardResult is reported once per forwarded notification.
type ForwardResult struct {
	Notification Notification `json:"notification"`
	Payload      string       `json:"payload"`
	Outcome      Outcome      `json:"outcome"`
	Tag          ResultTag    `json:"tag"`
	PassCount    int          `json:"passCount,omitempty"`
}

// Forwarder turns notifications into SEND lines and records the outcome.
type Forwarder struct {
	sender   Sender
	config   ConfigProvider
	activity Activity
	logger   *zap.Logger

	mu       sync.RWMutex
	callback func(ForwardResult)
}

func NewForwarder(sender Sender, config ConfigProvider, activity Activity, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		sender:   sender,
		config:   config,
		activity: activity,
		logger:   logger.Named("forwarder"),
	}
}

func (f *Forwarder) SetResultCallback(cb func(ForwardResult)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callback = cb
}

// Forward relays n if forwarding is enabled and n comes from the configured
// source. The outcome is recorded asynchronously.
func (f *Forwarder) Forward(n Notification) error {
	cfg, err := f.config.PagerConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if !cfg.ForwardingEnabled {
		return ErrForwardingDisabled
	}
	if cfg.SourcePackage != "" && n.Source != cfg.SourcePackage {
		return ErrIgnoredSource
	}

	sender := strings.TrimSpace(n.Title)
	body := strings.TrimSpace(n.Text)
	if sender == "" || body == "" {
		return ErrBlankNotification
	}

	payload := FormatOutbound(sender, body)
	started := f.sender.SendTransaction([]byte(payload), true, func(o Outcome) {
		f.record(n, payload, o)
	})
	if !started {
		f.activity.AppendLog(fmt.Sprintf("Forward from %s not started", sender))
		f.logger.Warn("Forward not started", zap.String("sender", sender))
		return ErrNotStarted
	}
	f.logger.Debug("Forward started", zap.String("sender", sender), zap.Int("bytes", len(payload)))
	return nil
}

func (f *Forwarder) record(n Notification, payload string, o Outcome) {
	sender := strings.TrimSpace(n.Title)
	result := ForwardResult{Notification: n, Payload: payload, Outcome: o, Tag: ClassifyOutcome(o)}

	var line string
	switch result.Tag {
	case TagSent:
		count, err := f.activity.IncrementPassCount()
		if err != nil {
			f.logger.Error("Failed to increment pass count", zap.Error(err))
		}
		result.PassCount = count
		line = fmt.Sprintf("Forwarded from %s: %s", sender, o.StatusReply)
	case TagBusy:
		line = fmt.Sprintf("Pager busy, message from %s not queued: %s", sender, o.StatusReply)
	case TagRejected:
		line = fmt.Sprintf("Pager rejected message from %s: %s", sender, o.StatusReply)
	case TagAcknowledged:
		line = fmt.Sprintf("Pager acknowledged message from %s: %s", sender, o.StatusReply)
	default:
		line = fmt.Sprintf("Forward from %s failed: %s", sender, o.Message)
	}
	f.activity.AppendLog(line)
	f.logger.Info("Forward finished",
		zap.String("sender", sender),
		zap.String("tag", string(result.Tag)),
		zap.String("message", o.Message))

	f.mu.RLock()
	cb := f.callback
	f.mu.RUnlock()
	if cb != nil {
		cb(result)
	}
}
