package bluetooth

import (
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BluezPlatform implements Platform on the BlueZ D-Bus API.
type BluezPlatform struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	logger      *zap.Logger

	mu        sync.RWMutex
	connector Connector
}

// BluezOption customises a BluezPlatform.
type BluezOption func(*BluezPlatform)

// WithConnector replaces the D-Bus GATT backend used to open links.
func WithConnector(c Connector) BluezOption {
	return func(p *BluezPlatform) { p.connector = c }
}

// NewBluezPlatform binds to the named adapter (for example "hci0") on the
// system bus. The bus connection is shared and never closed here.
func NewBluezPlatform(adapter string, logger *zap.Logger, opts ...BluezOption) (*BluezPlatform, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect to system D-Bus")
	}
	return NewBluezPlatformWithConn(conn, adapter, logger, opts...), nil
}

func NewBluezPlatformWithConn(conn *dbus.Conn, adapter string, logger *zap.Logger, opts ...BluezOption) *BluezPlatform {
	if adapter == "" {
		adapter = DefaultAdapterName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &BluezPlatform{
		conn:        conn,
		adapterPath: dbus.ObjectPath(BLUEZ_OBJECT_PATH + "/" + adapter),
		logger:      logger.Named("bluez"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Conn exposes the D-Bus connection.
func (p *BluezPlatform) Conn() *dbus.Conn {
	return p.conn
}

// AdapterPath is the D-Bus object path of the bound adapter.
func (p *BluezPlatform) AdapterPath() dbus.ObjectPath {
	return p.adapterPath
}

// PermissionGranted probes whether this process may talk to the adapter.
func (p *BluezPlatform) PermissionGranted() bool {
	_, err := p.conn.Object(BLUEZ_BUS_NAME, p.adapterPath).GetProperty(BLUEZ_ADAPTER_INTERFACE + ".Address")
	if err == nil {
		return true
	}
	switch dbusErrorName(err) {
	case DBUS_ERROR_ACCESS_DENIED, BLUEZ_ERROR_NOT_AUTHORIZED, BLUEZ_ERROR_NOT_PERMITTED:
		p.logger.Warn("Access to bluetooth adapter denied", zap.Error(err))
		return false
	}
	// Any other failure is an adapter problem, reported by AdapterEnabled.
	return true
}

// AdapterEnabled reports whether the adapter exists and is powered.
func (p *BluezPlatform) AdapterEnabled() bool {
	v, err := p.conn.Object(BLUEZ_BUS_NAME, p.adapterPath).GetProperty(BLUEZ_ADAPTER_INTERFACE + ".Powered")
	if err != nil {
		p.logger.Warn("Failed to read adapter power state",
			zap.String("adapter", string(p.adapterPath)),
			zap.Error(err))
		return false
	}
	powered, ok := v.Value().(bool)
	return ok && powered
}

func (p *BluezPlatform) getManagedObjects() (managedObjects, error) {
	objects := make(managedObjects)
	obj := p.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.Call(DBUS_GET_MANAGED_OBJECTS, 0).Store(&objects); err != nil {
		return nil, errors.Wrap(err, "get managed objects")
	}
	return objects, nil
}

// BondedDevices lists the paired devices of the adapter, ordered by address.
func (p *BluezPlatform) BondedDevices() ([]Peripheral, error) {
	objects, err := p.getManagedObjects()
	if err != nil {
		return nil, err
	}

	var devices []Peripheral
	for _, ifaces := range objects {
		props, ok := ifaces[BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}
		if adapter, ok := props["Adapter"].Value().(dbus.ObjectPath); !ok || adapter != p.adapterPath {
			continue
		}
		dev := peripheralFromProps(props)
		if !dev.Bonded {
			continue
		}
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })
	return devices, nil
}

// RemoteDevice looks a device up by address in the adapter's object tree.
func (p *BluezPlatform) RemoteDevice(address string) (Peripheral, error) {
	if _, err := net.ParseMAC(address); err != nil {
		return Peripheral{}, errors.Wrapf(err, "invalid address %q", address)
	}
	path := formatDevicePath(p.adapterPath, address)
	var props map[string]dbus.Variant
	err := p.conn.Object(BLUEZ_BUS_NAME, path).
		Call(DBUS_PROPERTIES_IFACE+".GetAll", 0, BLUEZ_DEVICE_INTERFACE).
		Store(&props)
	if err != nil {
		return Peripheral{}, errors.Wrapf(err, "device %s", address)
	}
	dev := peripheralFromProps(props)
	if dev.Address == "" {
		dev.Address = strings.ToUpper(address)
	}
	return dev, nil
}

// Connect opens a link to the peripheral through the configured backend.
func (p *BluezPlatform) Connect(dev Peripheral, sink EventSink) (GattLink, error) {
	p.mu.RLock()
	connector := p.connector
	p.mu.RUnlock()
	if connector != nil {
		return connector.Connect(dev, sink)
	}
	return newBluezLink(p.conn, formatDevicePath(p.adapterPath, dev.Address), sink, p.logger), nil
}

func peripheralFromProps(props map[string]dbus.Variant) Peripheral {
	var dev Peripheral
	if v, ok := props["Address"]; ok {
		dev.Address, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	} else if v, ok := props["Alias"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["Paired"]; ok {
		dev.Bonded, _ = v.Value().(bool)
	}
	if v, ok := props["Bonded"]; ok && !dev.Bonded {
		dev.Bonded, _ = v.Value().(bool)
	}
	return dev
}

func formatDevicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func dbusErrorName(err error) string {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) && dbusErrPtr != nil {
		return dbusErrPtr.Name
	}
	return ""
}

// statusFromDBus maps a BlueZ error reply onto the GATT status vocabulary
// used by the state machine.
func statusFromDBus(err error) GattStatus {
	if err == nil {
		return StatusSuccess
	}
	name := dbusErrorName(err)
	switch name {
	case DBUS_ERROR_NO_REPLY:
		return StatusConnTimeout
	case BLUEZ_ERROR_IN_PROGRESS:
		return StatusGattError
	case BLUEZ_ERROR_NOT_PERMITTED, BLUEZ_ERROR_NOT_AUTHORIZED:
		return StatusWriteNotPermitted
	case BLUEZ_ERROR_NOT_SUPPORTED:
		return StatusRequestNotSupported
	case BLUEZ_ERROR_INVALID_LENGTH:
		return StatusInvalidAttributeLength
	case DBUS_ERROR_UNKNOWN_OBJECT, DBUS_ERROR_SERVICE_UNKNOWN, BLUEZ_ERROR_NOT_READY, BLUEZ_ERROR_DOES_NOT_EXIST,
		DBUS_ERROR_ACCESS_DENIED:
		return StatusFailure
	case BLUEZ_ERROR_FAILED:
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "abort"), strings.Contains(msg, "establish"):
			return StatusConnFailEstablish
		case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
			return StatusConnTimeout
		}
		return StatusGattError
	}
	if strings.HasPrefix(name, BLUEZ_ERROR_PREFIX) {
		return StatusGattError
	}
	return StatusFailure
}
