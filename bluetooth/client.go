package bluetooth

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PagerClient starts transactions against the configured pager. At most one
// transaction owns the link at a time; a new one supersedes the previous.
type PagerClient struct {
	platform   Platform
	config     ConfigProvider
	supervisor *Supervisor
	dispatcher *Dispatcher
	scheduler  Scheduler
	timeouts   Timeouts
	logger     *zap.Logger
	nextID     atomic.Uint64

	mu      sync.RWMutex
	current *Transaction
}

// ClientOption customises a PagerClient.
type ClientOption func(*PagerClient)

func WithScheduler(s Scheduler) ClientOption {
	return func(c *PagerClient) { c.scheduler = s }
}

func WithTimeouts(t Timeouts) ClientOption {
	return func(c *PagerClient) { c.timeouts = t }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *PagerClient) { c.logger = l }
}

func NewPagerClient(platform Platform, config ConfigProvider, dispatcher *Dispatcher, opts ...ClientOption) *PagerClient {
	c := &PagerClient{
		platform:   platform,
		config:     config,
		dispatcher: dispatcher,
		scheduler:  SystemScheduler,
		timeouts:   DefaultTimeouts(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("ble")
	c.supervisor = NewSupervisor(platform, c.logger)
	return c
}

// Begin validates preconditions and starts a transaction. Any returned error
// is a *TransactionError and means no asynchronous work was started.
func (c *PagerClient) Begin(payload []byte, expectStatusReply bool, handler ResultHandler) (*Transaction, error) {
	if !c.platform.PermissionGranted() {
		return nil, ErrPermissionDenied
	}
	if !c.platform.AdapterEnabled() {
		return nil, ErrAdapterUnavailable
	}

	cfg, err := c.config.PagerConfig()
	if err != nil {
		return nil, invalidConfig("load config: %v", err)
	}
	service, err := canonicalUUID(cfg.ServiceUUID)
	if err != nil {
		return nil, invalidConfig("service uuid %q: %v", cfg.ServiceUUID, err)
	}
	rx, err := canonicalUUID(cfg.RxUUID)
	if err != nil {
		return nil, invalidConfig("rx uuid %q: %v", cfg.RxUUID, err)
	}

	known, err := c.platform.BondedDevices()
	if err != nil {
		c.logger.Warn("Failed to list bonded devices", zap.Error(err))
		known = nil
	}
	target, err := ResolveTarget(cfg.Identity(), c.platform, known)
	if err != nil {
		c.logger.Warn("No pager found",
			zap.String("address", cfg.DeviceAddress),
			zap.String("name", cfg.DeviceName),
			zap.Int("bonded", len(known)))
		return nil, err
	}

	env := CommandEnvelope{
		Payload:           append([]byte(nil), payload...),
		ExpectStatusReply: expectStatusReply,
	}
	tx := newTransaction(transactionParams{
		id:         c.nextID.Add(1),
		env:        env,
		target:     target,
		service:    service,
		rx:         rx,
		sup:        c.supervisor,
		sched:      c.scheduler,
		timeouts:   c.timeouts,
		completion: c.dispatcher.NewCompletion(handler),
		logger:     c.logger,
	})

	c.mu.Lock()
	c.current = tx
	c.mu.Unlock()

	tx.start()
	return tx, nil
}

// SendTransaction is Begin reduced to whether the transaction started.
func (c *PagerClient) SendTransaction(payload []byte, expectStatusReply bool, handler ResultHandler) bool {
	if _, err := c.Begin(payload, expectStatusReply, handler); err != nil {
		c.logger.Warn("Transaction not started", zap.Error(err))
		return false
	}
	return true
}

// SendToPager writes text, terminated by exactly one newline, without
// reading the status reply and without reporting the outcome.
func (c *PagerClient) SendToPager(text string) bool {
	payload, err := NormalizePayload(text)
	if err != nil {
		c.logger.Warn("Transaction not started", zap.Error(err))
		return false
	}
	return c.SendTransaction([]byte(payload), false, nil)
}

// SendCommand sends a newline terminated command and reads the status reply.
// handler is always called exactly once, including for start failures.
func (c *PagerClient) SendCommand(command string, handler ResultHandler) {
	normalized, err := NormalizeCommand(command)
	if err != nil {
		c.dispatcher.Deliver(handler, Outcome{Message: "Command is empty"})
		return
	}
	if _, err := c.Begin([]byte(normalized), true, handler); err != nil {
		kind := KindNone
		if te, ok := err.(*TransactionError); ok {
			kind = te.Kind
		}
		c.dispatcher.Deliver(handler, Outcome{
			Message: fmt.Sprintf("Failed to start BLE command transaction: %v", err),
			Kind:    kind,
		})
	}
}

// Busy reports whether a transaction is still running.
func (c *PagerClient) Busy() bool {
	c.mu.RLock()
	tx := c.current
	c.mu.RUnlock()
	if tx == nil {
		return false
	}
	select {
	case <-tx.Done():
		return false
	default:
		return true
	}
}

// Close tears down the active link.
func (c *PagerClient) Close() {
	c.supervisor.Shutdown()
}

func canonicalUUID(s string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
