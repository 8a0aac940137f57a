//go:build linux

package bluetooth

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	tinyble "tinygo.org/x/bluetooth"
)

// TinygoConnector opens links through tinygo.org/x/bluetooth instead of
// raw D-Bus calls.
type TinygoConnector struct {
	adapter *tinyble.Adapter
	logger  *zap.Logger

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	links map[string]*tinygoLink
}

func NewTinygoConnector(adapterID string, logger *zap.Logger) *TinygoConnector {
	if adapterID == "" {
		adapterID = DefaultAdapterName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TinygoConnector{
		adapter: tinyble.NewAdapter(adapterID),
		logger:  logger.Named("tinygo"),
		links:   make(map[string]*tinygoLink),
	}
}

// connectionChanged routes adapter connection events to the open link for
// the address. The adapter accepts a single handler for all devices.
func (c *TinygoConnector) connectionChanged(address string, connected bool) {
	if connected {
		return
	}
	c.mu.Lock()
	l := c.links[strings.ToUpper(address)]
	c.mu.Unlock()
	if l != nil {
		l.lost()
	}
}

func (c *TinygoConnector) track(address string, l *tinygoLink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.links[strings.ToUpper(address)] = l
}

func (c *TinygoConnector) untrack(address string, l *tinygoLink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToUpper(address)
	if c.links[key] == l {
		delete(c.links, key)
	}
}

func (c *TinygoConnector) Connect(p Peripheral, sink EventSink) (GattLink, error) {
	c.enableOnce.Do(func() {
		c.adapter.SetConnectHandler(func(device tinyble.Device, connected bool) {
			c.connectionChanged(device.Address.String(), connected)
		})
		c.enableErr = c.adapter.Enable()
	})
	if c.enableErr != nil {
		return nil, &GattError{Op: "enable adapter", Status: StatusFailure, Err: c.enableErr}
	}
	mac, err := tinyble.ParseMAC(p.Address)
	if err != nil {
		return nil, &GattError{Op: "parse address", Status: StatusFailure, Err: err}
	}

	l := &tinygoLink{
		adapter:   c.adapter,
		connector: c,
		address:   p.Address,
		sink:      sink,
		logger:    c.logger.With(zap.String("address", p.Address)),
		chars:     make(map[gattKey]tinyble.DeviceCharacteristic),
	}
	c.track(p.Address, l)
	go l.connect(tinyble.Address{MACAddress: tinyble.MACAddress{MAC: mac}})
	return l, nil
}

type tinygoLink struct {
	adapter   *tinyble.Adapter
	connector *TinygoConnector
	address   string
	sink      EventSink
	logger    *zap.Logger

	mu         sync.Mutex
	closed     bool
	connected  bool
	device     tinyble.Device
	discovered bool
	services   map[string]bool
	chars      map[gattKey]tinyble.DeviceCharacteristic
}

func (l *tinygoLink) emit(ev Event) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if !closed {
		l.sink(ev)
	}
}

func (l *tinygoLink) connect(addr tinyble.Address) {
	dev, err := l.adapter.Connect(addr, tinyble.ConnectionParams{})
	if err != nil {
		l.connectFailed(err)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = dev.Disconnect()
		return
	}
	l.device = dev
	l.connected = true
	l.mu.Unlock()

	l.emit(ConnectionStateChanged{Status: StatusSuccess, Connected: true})
}

// connectFailed reports a failed connect. On Linux the adapter is backed by
// BlueZ, so the error is a D-Bus reply.
func (l *tinygoLink) connectFailed(err error) {
	status := statusFromDBus(err)
	l.logger.Info("Connect failed", zap.Error(err), zap.Int("status", int(status)))
	l.emit(ConnectionStateChanged{Status: status})
}

// lost reports a drop of an established connection. Drops caused by
// Disconnect or Close are not reported.
func (l *tinygoLink) lost() {
	l.mu.Lock()
	wasConnected := l.connected && !l.closed
	l.connected = false
	l.mu.Unlock()
	if wasConnected {
		l.logger.Info("Device disconnected")
		l.emit(ConnectionStateChanged{Status: StatusConnTerminatePeerUser})
	}
}

// discover walks every service and characteristic once per link.
func (l *tinygoLink) discover() error {
	l.mu.Lock()
	if l.discovered {
		l.mu.Unlock()
		return nil
	}
	dev := l.device
	l.mu.Unlock()

	svcs, err := dev.DiscoverServices(nil)
	if err != nil {
		return errors.Wrap(err, "discover services")
	}
	services := make(map[string]bool)
	chars := make(map[gattKey]tinyble.DeviceCharacteristic)
	for _, svc := range svcs {
		service := strings.ToLower(svc.UUID().String())
		services[service] = true
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return errors.Wrapf(err, "discover characteristics of %s", service)
		}
		for _, ch := range found {
			chars[gattKey{service: service, characteristic: strings.ToLower(ch.UUID().String())}] = ch
		}
	}

	l.mu.Lock()
	l.services = services
	l.chars = chars
	l.discovered = true
	l.mu.Unlock()
	return nil
}

// RequestMTU reports the MTU the host stack negotiated, read from the
// first characteristic that exposes it.
func (l *tinygoLink) RequestMTU(mtu int) error {
	if !l.isConnected() {
		return &GattError{Op: "request mtu", Status: StatusFailure}
	}
	go func() {
		if err := l.discover(); err != nil {
			l.emit(MTUChanged{Status: StatusGattError})
			return
		}
		l.mu.Lock()
		chars := make([]tinyble.DeviceCharacteristic, 0, len(l.chars))
		for _, ch := range l.chars {
			chars = append(chars, ch)
		}
		l.mu.Unlock()

		for _, ch := range chars {
			m, err := ch.GetMTU()
			if err != nil || m == 0 {
				continue
			}
			negotiated := int(m)
			if negotiated > mtu {
				negotiated = mtu
			}
			l.emit(MTUChanged{MTU: negotiated, Status: StatusSuccess})
			return
		}
		l.emit(MTUChanged{Status: StatusRequestNotSupported})
	}()
	return nil
}

func (l *tinygoLink) DiscoverServices() error {
	if !l.isConnected() {
		return &GattError{Op: "discover services", Status: StatusFailure}
	}
	go func() {
		if err := l.discover(); err != nil {
			l.logger.Info("Discovery failed", zap.Error(err))
			l.emit(ServicesDiscovered{Status: StatusGattError})
			return
		}
		l.emit(ServicesDiscovered{Status: StatusSuccess})
	}()
	return nil
}

func (l *tinygoLink) HasService(service string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.services[strings.ToLower(service)]
}

func (l *tinygoLink) HasCharacteristic(service, characteristic string) bool {
	_, ok := l.char(service, characteristic)
	return ok
}

func (l *tinygoLink) char(service, characteristic string) (tinyble.DeviceCharacteristic, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.chars[gattKey{service: strings.ToLower(service), characteristic: strings.ToLower(characteristic)}]
	return ch, ok
}

func (l *tinygoLink) WriteCharacteristic(service, characteristic string, value []byte) error {
	ch, ok := l.char(service, characteristic)
	if !ok || !l.isConnected() {
		return &GattError{Op: "write " + characteristic, Status: StatusFailure}
	}
	go func() {
		status := StatusSuccess
		if _, err := ch.Write(value); err != nil {
			l.logger.Info("Write failed", zap.Error(err))
			status = StatusGattError
		}
		l.emit(CharacteristicWritten{Characteristic: characteristic, Status: status})
	}()
	return nil
}

func (l *tinygoLink) ReadCharacteristic(service, characteristic string) error {
	ch, ok := l.char(service, characteristic)
	if !ok || !l.isConnected() {
		return &GattError{Op: "read " + characteristic, Status: StatusFailure}
	}
	go func() {
		size := TargetMTU
		if m, err := ch.GetMTU(); err == nil && m > 0 {
			size = int(m)
		}
		buf := make([]byte, size)
		n, err := ch.Read(buf)
		if err != nil && n == 0 {
			l.logger.Info("Read failed", zap.Error(err))
			l.emit(CharacteristicRead{Characteristic: characteristic, Status: StatusGattError})
			return
		}
		l.emit(CharacteristicRead{Characteristic: characteristic, Value: buf[:n], Status: StatusSuccess})
	}()
	return nil
}

func (l *tinygoLink) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected && !l.closed
}

func (l *tinygoLink) Disconnect() {
	l.mu.Lock()
	dev, connected := l.device, l.connected
	l.connected = false
	l.mu.Unlock()
	if connected {
		if err := dev.Disconnect(); err != nil {
			l.logger.Debug("Disconnect failed", zap.Error(err))
		}
	}
}

func (l *tinygoLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	dev, connected := l.device, l.connected
	l.connected = false
	l.mu.Unlock()
	if l.connector != nil {
		l.connector.untrack(l.address, l)
	}
	if connected {
		_ = dev.Disconnect()
	}
}
