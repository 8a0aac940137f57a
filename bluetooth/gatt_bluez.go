package bluetooth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	servicesResolvedPoll = 100 * time.Millisecond
	disconnectTimeout    = 2 * time.Second
)

// signalBus is the part of *dbus.Conn used to watch device properties.
type signalBus interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

type gattKey struct {
	service        string
	characteristic string
}

// bluezLink is a GattLink over BlueZ Device1 and GattCharacteristic1.
type bluezLink struct {
	conn       *dbus.Conn
	bus        signalBus
	devicePath dbus.ObjectPath
	sink       EventSink
	logger     *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	signals    chan *dbus.Signal

	mu       sync.Mutex
	closed   bool
	services map[string]dbus.ObjectPath
	chars    map[gattKey]dbus.ObjectPath
}

func newBluezLink(conn *dbus.Conn, devicePath dbus.ObjectPath, sink EventSink, logger *zap.Logger) *bluezLink {
	ctx, cancel := context.WithCancel(context.Background())
	l := &bluezLink{
		conn:       conn,
		bus:        conn,
		devicePath: devicePath,
		sink:       sink,
		logger:     logger.With(zap.String("device", string(devicePath))),
		ctx:        ctx,
		cancel:     cancel,
		services:   make(map[string]dbus.ObjectPath),
		chars:      make(map[gattKey]dbus.ObjectPath),
	}
	go l.connect()
	return l
}

func (l *bluezLink) emit(ev Event) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if !closed {
		l.sink(ev)
	}
}

func (l *bluezLink) device() dbus.BusObject {
	return l.conn.Object(BLUEZ_BUS_NAME, l.devicePath)
}

func (l *bluezLink) connect() {
	l.logger.Debug("Calling Device1.Connect")
	err := l.device().CallWithContext(l.ctx, BLUEZ_DEVICE_INTERFACE+".Connect", 0).Err
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		status := statusFromDBus(err)
		l.logger.Info("Device1.Connect failed", zap.Error(err), zap.Int("status", int(status)))
		l.emit(ConnectionStateChanged{Status: status})
		return
	}

	if err := l.watchDisconnect(); err != nil {
		l.logger.Warn("Failed to watch connection state", zap.Error(err))
	}
	l.emit(ConnectionStateChanged{Status: StatusSuccess, Connected: true})
}

func (l *bluezLink) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(l.devicePath),
		dbus.WithMatchInterface(DBUS_PROPERTIES_IFACE),
		dbus.WithMatchMember("PropertiesChanged"),
	}
}

func (l *bluezLink) unwatch(ch chan *dbus.Signal) {
	l.bus.RemoveSignal(ch)
	_ = l.bus.RemoveMatchSignal(l.matchOptions()...)
}

func (l *bluezLink) watchDisconnect() error {
	if err := l.bus.AddMatchSignal(l.matchOptions()...); err != nil {
		return errors.Wrap(err, "add match")
	}

	ch := make(chan *dbus.Signal, 16)
	l.bus.Signal(ch)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.unwatch(ch)
		return nil
	}
	l.signals = ch
	l.mu.Unlock()

	go func() {
		for {
			select {
			case <-l.ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if sig.Path != l.devicePath || sig.Name != DBUS_PROPERTIES_CHANGED || len(sig.Body) < 2 {
					continue
				}
				if iface, _ := sig.Body[0].(string); iface != BLUEZ_DEVICE_INTERFACE {
					continue
				}
				changed, _ := sig.Body[1].(map[string]dbus.Variant)
				if v, ok := changed["Connected"]; ok {
					if connected, _ := v.Value().(bool); !connected {
						l.logger.Info("Device disconnected")
						l.emit(ConnectionStateChanged{Status: StatusConnTerminatePeerUser})
					}
				}
			}
		}
	}()
	return nil
}

func (l *bluezLink) waitServicesResolved() error {
	ticker := time.NewTicker(servicesResolvedPoll)
	defer ticker.Stop()
	for {
		v, err := l.device().GetProperty(BLUEZ_DEVICE_INTERFACE + ".ServicesResolved")
		if err != nil {
			return err
		}
		if resolved, _ := v.Value().(bool); resolved {
			return nil
		}
		select {
		case <-l.ctx.Done():
			return l.ctx.Err()
		case <-ticker.C:
		}
	}
}

// RequestMTU reports the ATT MTU BlueZ negotiated during connection. BlueZ
// exchanges the MTU itself; the value is read from any characteristic.
func (l *bluezLink) RequestMTU(mtu int) error {
	go func() {
		if err := l.waitServicesResolved(); err != nil {
			if l.ctx.Err() == nil {
				l.emit(MTUChanged{Status: statusFromDBus(err)})
			}
			return
		}
		objects, err := l.managedObjects()
		if err != nil {
			l.emit(MTUChanged{Status: statusFromDBus(err)})
			return
		}
		negotiated := 0
		for _, ifaces := range objects {
			props, ok := ifaces[BLUEZ_GATT_CHAR_IFACE]
			if !ok {
				continue
			}
			if svc, _ := props["Service"].Value().(dbus.ObjectPath); !strings.HasPrefix(string(svc), string(l.devicePath)+"/") {
				continue
			}
			if v, ok := props["MTU"]; ok {
				if m, ok := v.Value().(uint16); ok && int(m) > negotiated {
					negotiated = int(m)
				}
			}
		}
		if negotiated == 0 {
			l.emit(MTUChanged{Status: StatusRequestNotSupported})
			return
		}
		if negotiated > mtu {
			negotiated = mtu
		}
		l.emit(MTUChanged{MTU: negotiated, Status: StatusSuccess})
	}()
	return nil
}

func (l *bluezLink) managedObjects() (managedObjects, error) {
	objects := make(managedObjects)
	err := l.conn.Object(BLUEZ_BUS_NAME, "/").
		CallWithContext(l.ctx, DBUS_GET_MANAGED_OBJECTS, 0).
		Store(&objects)
	return objects, err
}

func (l *bluezLink) DiscoverServices() error {
	go func() {
		if err := l.waitServicesResolved(); err != nil {
			if l.ctx.Err() == nil {
				l.emit(ServicesDiscovered{Status: statusFromDBus(err)})
			}
			return
		}
		objects, err := l.managedObjects()
		if err != nil {
			l.emit(ServicesDiscovered{Status: statusFromDBus(err)})
			return
		}

		services := make(map[string]dbus.ObjectPath)
		servicePaths := make(map[dbus.ObjectPath]string)
		for path, ifaces := range objects {
			props, ok := ifaces[BLUEZ_GATT_SERVICE_IFACE]
			if !ok {
				continue
			}
			if dev, _ := props["Device"].Value().(dbus.ObjectPath); dev != l.devicePath {
				continue
			}
			uuid, _ := props["UUID"].Value().(string)
			uuid = strings.ToLower(uuid)
			services[uuid] = path
			servicePaths[path] = uuid
		}

		chars := make(map[gattKey]dbus.ObjectPath)
		for path, ifaces := range objects {
			props, ok := ifaces[BLUEZ_GATT_CHAR_IFACE]
			if !ok {
				continue
			}
			svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
			service, ok := servicePaths[svcPath]
			if !ok {
				continue
			}
			uuid, _ := props["UUID"].Value().(string)
			chars[gattKey{service: service, characteristic: strings.ToLower(uuid)}] = path
		}

		l.mu.Lock()
		l.services = services
		l.chars = chars
		l.mu.Unlock()

		l.logger.Debug("Services discovered", zap.Int("services", len(services)), zap.Int("characteristics", len(chars)))
		l.emit(ServicesDiscovered{Status: StatusSuccess})
	}()
	return nil
}

func (l *bluezLink) HasService(service string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.services[strings.ToLower(service)]
	return ok
}

func (l *bluezLink) HasCharacteristic(service, characteristic string) bool {
	_, ok := l.charPath(service, characteristic)
	return ok
}

func (l *bluezLink) charPath(service, characteristic string) (dbus.ObjectPath, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	path, ok := l.chars[gattKey{service: strings.ToLower(service), characteristic: strings.ToLower(characteristic)}]
	return path, ok
}

func (l *bluezLink) WriteCharacteristic(service, characteristic string, value []byte) error {
	path, ok := l.charPath(service, characteristic)
	if !ok {
		return &GattError{Op: "write " + characteristic, Status: StatusFailure}
	}
	if l.ctx.Err() != nil {
		return &GattError{Op: "write " + characteristic, Status: StatusFailure, Err: l.ctx.Err()}
	}
	go func() {
		opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
		err := l.conn.Object(BLUEZ_BUS_NAME, path).
			CallWithContext(l.ctx, BLUEZ_GATT_CHAR_IFACE+".WriteValue", 0, value, opts).Err
		if err != nil && l.ctx.Err() != nil {
			return
		}
		l.emit(CharacteristicWritten{Characteristic: characteristic, Status: statusFromDBus(err)})
	}()
	return nil
}

func (l *bluezLink) ReadCharacteristic(service, characteristic string) error {
	path, ok := l.charPath(service, characteristic)
	if !ok {
		return &GattError{Op: "read " + characteristic, Status: StatusFailure}
	}
	if l.ctx.Err() != nil {
		return &GattError{Op: "read " + characteristic, Status: StatusFailure, Err: l.ctx.Err()}
	}
	go func() {
		var value []byte
		err := l.conn.Object(BLUEZ_BUS_NAME, path).
			CallWithContext(l.ctx, BLUEZ_GATT_CHAR_IFACE+".ReadValue", 0, map[string]dbus.Variant{}).
			Store(&value)
		if err != nil && l.ctx.Err() != nil {
			return
		}
		l.emit(CharacteristicRead{Characteristic: characteristic, Value: value, Status: statusFromDBus(err)})
	}()
	return nil
}

func (l *bluezLink) Disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := l.device().CallWithContext(ctx, BLUEZ_DEVICE_INTERFACE+".Disconnect", 0).Err; err != nil {
		l.logger.Debug("Device1.Disconnect failed", zap.Error(err))
	}
}

func (l *bluezLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	ch := l.signals
	l.mu.Unlock()

	l.cancel()
	if ch != nil {
		l.unwatch(ch)
	}
}
