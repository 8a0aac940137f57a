package bluetooth

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrNotRunning = errors.New("manager not running")

// CommandResult is reported for every command sent through the manager.
type CommandResult struct {
	Command string    `json:"command"`
	Outcome Outcome   `json:"outcome"`
	Tag     ResultTag `json:"tag"`
}

// ManagerStatus is a snapshot of the bridge state.
type ManagerStatus struct {
	Running           bool `json:"running"`
	Busy              bool `json:"busy"`
	PermissionGranted bool `json:"permissionGranted"`
	AdapterEnabled    bool `json:"adapterEnabled"`
	LinkOpen          bool `json:"linkOpen"`
}

// Manager wires the pager client, the forwarder and the result looper.
type Manager struct {
	mu         sync.RWMutex
	platform   Platform
	looper     *Looper
	dispatcher *Dispatcher
	client     *PagerClient
	forwarder  *Forwarder
	activity   Activity
	logger     *zap.Logger
	isRunning  bool

	commandCallback func(CommandResult)
}

func NewManager(platform Platform, config ConfigProvider, activity Activity, logger *zap.Logger, opts ...ClientOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	looper := NewLooper()
	dispatcher := NewDispatcher(looper)
	client := NewPagerClient(platform, config, dispatcher, append([]ClientOption{WithLogger(logger)}, opts...)...)

	return &Manager{
		platform:   platform,
		looper:     looper,
		dispatcher: dispatcher,
		client:     client,
		forwarder:  NewForwarder(client, config, activity, logger),
		activity:   activity,
		logger:     logger.Named("manager"),
	}
}

func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isRunning {
		return errors.New("manager already running")
	}
	m.isRunning = true
	m.logger.Info("Pager bridge started",
		zap.Bool("permission", m.platform.PermissionGranted()),
		zap.Bool("adapter", m.platform.AdapterEnabled()))
	return nil
}

// Stop closes the active link and drains pending results.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	m.client.Close()
	m.looper.Stop()
	m.logger.Info("Pager bridge stopped")
}

func (m *Manager) running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

func (m *Manager) Client() *PagerClient {
	return m.client
}

func (m *Manager) Forwarder() *Forwarder {
	return m.forwarder
}

func (m *Manager) SetCommandCallback(cb func(CommandResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commandCallback = cb
}

func (m *Manager) SetForwardCallback(cb func(ForwardResult)) {
	m.forwarder.SetResultCallback(cb)
}

// SendCommand sends command and logs the result. handler may be nil.
func (m *Manager) SendCommand(command string, handler ResultHandler) error {
	if !m.running() {
		return ErrNotRunning
	}
	m.client.SendCommand(command, func(o Outcome) {
		m.recordCommand(command, o)
		if handler != nil {
			handler(o)
		}
	})
	return nil
}

func (m *Manager) recordCommand(command string, o Outcome) {
	if o.Succeeded {
		m.activity.AppendLog("Command ok: " + o.Message)
	} else {
		m.activity.AppendLog("Command failed: " + o.Message)
	}
	if o.StatusReply != "" {
		m.activity.AppendLog("Status char: " + o.StatusReply)
	}

	m.mu.RLock()
	cb := m.commandCallback
	m.mu.RUnlock()
	if cb != nil {
		cb(CommandResult{Command: command, Outcome: o, Tag: ClassifyOutcome(o)})
	}
}

// SendToPager writes text with one trailing newline without waiting for the
// status reply.
func (m *Manager) SendToPager(text string) error {
	if !m.running() {
		return ErrNotRunning
	}
	if _, err := NormalizePayload(text); err != nil {
		return err
	}
	if !m.client.SendToPager(text) {
		return ErrNotStarted
	}
	m.activity.AppendLog("Sent to pager: " + strings.TrimSpace(text))
	return nil
}

// SetTxPower validates dbm and sends the txpower command.
func (m *Manager) SetTxPower(dbm int, handler ResultHandler) error {
	cmd, err := TxPowerCommand(dbm)
	if err != nil {
		return err
	}
	return m.SendCommand(cmd, handler)
}

// Forward relays an inbound notification to the pager.
func (m *Manager) Forward(n Notification) error {
	if !m.running() {
		return ErrNotRunning
	}
	return m.forwarder.Forward(n)
}

func (m *Manager) BondedDevices() ([]Peripheral, error) {
	devices, err := m.platform.BondedDevices()
	if err != nil {
		return nil, errors.Wrap(err, "list bonded devices")
	}
	return devices, nil
}

func (m *Manager) Status() ManagerStatus {
	return ManagerStatus{
		Running:           m.running(),
		Busy:              m.client.Busy(),
		PermissionGranted: m.platform.PermissionGranted(),
		AdapterEnabled:    m.platform.AdapterEnabled(),
		LinkOpen:          m.client.supervisor.Active(),
	}
}

// IndicatorText is the one-line summary shown while the bridge runs.
func IndicatorText(passCount int) string {
	return fmt.Sprintf("Forwarded messages: %d", passCount)
}
