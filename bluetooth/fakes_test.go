package bluetooth

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const (
	testAddress = "AA:BB:CC:DD:EE:FF"
	testName    = "PagerBridge"
)

// fakeTimer / fakeScheduler let tests fire deferred calls by hand.
type fakeTimer struct {
	s       *fakeScheduler
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// fire runs the first pending timer with duration d.
func (s *fakeScheduler) fire(t *testing.T, d time.Duration) {
	t.Helper()
	s.mu.Lock()
	var target *fakeTimer
	for _, tm := range s.timers {
		if !tm.stopped && !tm.fired && tm.d == d {
			target = tm
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		t.Fatalf("no pending timer for %s (pending: %v)", d, s.pendingLocked())
	}
	target.fired = true
	s.mu.Unlock()
	target.f()
}

func (s *fakeScheduler) pendingLocked() []time.Duration {
	var out []time.Duration
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// fakeLink answers every request synchronously from inside the call unless
// told to hold a phase.
type fakeLink struct {
	mu   sync.Mutex
	sink EventSink

	services map[string]bool
	chars    map[gattKey]bool

	mtu            int
	mtuStatus      GattStatus
	mtuErr         error
	discoverStatus GattStatus
	discoverErr    error
	writeStatus    GattStatus
	writeErrAt     int
	readErr        error
	readStatus     GattStatus
	readValue      []byte

	holdMTU      bool
	holdWrites   bool
	holdDiscover bool

	writes      [][]byte
	reads       int
	disconnects int
	closes      int
}

func newFakeLink() *fakeLink {
	svc := strings.ToLower(DefaultServiceUUID)
	return &fakeLink{
		services: map[string]bool{svc: true},
		chars: map[gattKey]bool{
			{service: svc, characteristic: strings.ToLower(DefaultRxCharUUID)}: true,
			{service: svc, characteristic: strings.ToLower(StatusCharUUID)}:    true,
		},
		mtu:        DefaultMTU,
		writeErrAt: -1,
	}
}

func (l *fakeLink) emit(ev Event) {
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	sink(ev)
}

func (l *fakeLink) RequestMTU(mtu int) error {
	if l.mtuErr != nil {
		return l.mtuErr
	}
	if !l.holdMTU {
		l.emit(MTUChanged{MTU: l.mtu, Status: l.mtuStatus})
	}
	return nil
}

func (l *fakeLink) DiscoverServices() error {
	if l.discoverErr != nil {
		return l.discoverErr
	}
	if !l.holdDiscover {
		l.emit(ServicesDiscovered{Status: l.discoverStatus})
	}
	return nil
}

func (l *fakeLink) HasService(service string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.services[strings.ToLower(service)]
}

func (l *fakeLink) HasCharacteristic(service, characteristic string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chars[gattKey{service: strings.ToLower(service), characteristic: strings.ToLower(characteristic)}]
}

func (l *fakeLink) WriteCharacteristic(service, characteristic string, value []byte) error {
	l.mu.Lock()
	if l.writeErrAt == len(l.writes) {
		l.mu.Unlock()
		return &GattError{Op: "write", Status: StatusGattError}
	}
	l.writes = append(l.writes, append([]byte(nil), value...))
	hold := l.holdWrites
	l.mu.Unlock()
	if !hold {
		l.emit(CharacteristicWritten{Characteristic: characteristic, Status: l.writeStatus})
	}
	return nil
}

func (l *fakeLink) ReadCharacteristic(service, characteristic string) error {
	if l.readErr != nil {
		return l.readErr
	}
	l.mu.Lock()
	l.reads++
	l.mu.Unlock()
	l.emit(CharacteristicRead{Characteristic: characteristic, Value: l.readValue, Status: l.readStatus})
	return nil
}

func (l *fakeLink) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
}

func (l *fakeLink) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

func (l *fakeLink) teardowns() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects, l.closes
}

// fakePlatform hands out fakeLinks and reports scripted connect statuses.
type fakePlatform struct {
	mu         sync.Mutex
	permission bool
	enabled    bool
	bonded     []Peripheral
	remote     map[string]Peripheral
	bondedErr  error

	connectStatuses []GattStatus
	connectErr      error
	holdConnect     bool
	configure       func(*fakeLink)

	links []*fakeLink
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		permission: true,
		enabled:    true,
		bonded:     []Peripheral{{Address: testAddress, Name: testName, Bonded: true}},
		remote:     map[string]Peripheral{},
	}
}

func (p *fakePlatform) PermissionGranted() bool { return p.permission }
func (p *fakePlatform) AdapterEnabled() bool    { return p.enabled }

func (p *fakePlatform) BondedDevices() ([]Peripheral, error) {
	return p.bonded, p.bondedErr
}

func (p *fakePlatform) RemoteDevice(address string) (Peripheral, error) {
	if dev, ok := p.remote[strings.ToUpper(address)]; ok {
		return dev, nil
	}
	return Peripheral{}, errors.New("unknown device")
}

func (p *fakePlatform) Connect(dev Peripheral, sink EventSink) (GattLink, error) {
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	p.mu.Lock()
	link := newFakeLink()
	link.sink = sink
	if p.configure != nil {
		p.configure(link)
	}
	attempt := len(p.links)
	p.links = append(p.links, link)
	status := StatusSuccess
	if attempt < len(p.connectStatuses) {
		status = p.connectStatuses[attempt]
	}
	hold := p.holdConnect
	p.mu.Unlock()

	if !hold {
		sink(ConnectionStateChanged{Status: status, Connected: status == StatusSuccess})
	}
	return link, nil
}

func (p *fakePlatform) connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

func (p *fakePlatform) link(i int) *fakeLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.links[i]
}

type harness struct {
	platform *fakePlatform
	sched    *fakeScheduler
	looper   *Looper
	client   *PagerClient
	config   PagerConfig
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		platform: newFakePlatform(),
		sched:    &fakeScheduler{},
		looper:   NewLooper(),
		config:   DefaultPagerConfig(),
	}
	t.Cleanup(h.looper.Stop)
	h.client = NewPagerClient(h.platform, configFunc(func() (PagerConfig, error) { return h.config, nil }),
		NewDispatcher(h.looper),
		WithScheduler(h.sched),
		WithLogger(zaptest.NewLogger(t)))
	return h
}

type configFunc func() (PagerConfig, error)

func (f configFunc) PagerConfig() (PagerConfig, error) { return f() }

// outcomes collects results delivered to a handler.
type outcomes struct {
	ch chan Outcome
}

func newOutcomes() *outcomes {
	return &outcomes{ch: make(chan Outcome, 16)}
}

func (o *outcomes) handler(out Outcome) {
	o.ch <- out
}

func (o *outcomes) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case out := <-o.ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

// none asserts nothing else is delivered once the looper has drained.
func (o *outcomes) none(t *testing.T, l *Looper) {
	t.Helper()
	flushed := make(chan struct{})
	l.Post(func() { close(flushed) })
	<-flushed
	select {
	case out := <-o.ch:
		t.Fatalf("unexpected extra outcome: %+v", out)
	default:
	}
}
