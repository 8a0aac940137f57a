package bluetooth

// Event is a completion reported by a GattLink.
type Event interface {
	linkEvent()
}

// ConnectionStateChanged reports a connect result or a later drop.
type ConnectionStateChanged struct {
	Status    GattStatus
	Connected bool
}

// MTUChanged reports the outcome of an MTU request.
type MTUChanged struct {
	MTU    int
	Status GattStatus
}

// ServicesDiscovered reports the end of service discovery.
type ServicesDiscovered struct {
	Status GattStatus
}

// CharacteristicWritten acknowledges one write.
type CharacteristicWritten struct {
	Characteristic string
	Status         GattStatus
}

// CharacteristicRead carries the value of a completed read.
type CharacteristicRead struct {
	Characteristic string
	Value          []byte
	Status         GattStatus
}

func (ConnectionStateChanged) linkEvent() {}
func (MTUChanged) linkEvent()             {}
func (ServicesDiscovered) linkEvent()     {}
func (CharacteristicWritten) linkEvent()  {}
func (CharacteristicRead) linkEvent()     {}

// EventSink receives link events. It may be called from any goroutine,
// including synchronously from inside a GattLink method.
type EventSink func(Event)

// GattLink is one connection to a peripheral. Every asynchronous method
// returns an error only when the operation cannot be issued; its result is
// delivered later through the EventSink given to Connect.
type GattLink interface {
	RequestMTU(mtu int) error
	DiscoverServices() error
	HasService(service string) bool
	HasCharacteristic(service, characteristic string) bool
	WriteCharacteristic(service, characteristic string, value []byte) error
	ReadCharacteristic(service, characteristic string) error
	Disconnect()
	Close()
}

// Connector starts link establishment with a peripheral. The connect result
// arrives as a ConnectionStateChanged event.
type Connector interface {
	Connect(p Peripheral, sink EventSink) (GattLink, error)
}

// Platform is the adapter-level surface the pager client depends on.
type Platform interface {
	AddressLookup
	Connector
	PermissionGranted() bool
	AdapterEnabled() bool
	BondedDevices() ([]Peripheral, error)
}
