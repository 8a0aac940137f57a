package bluetooth

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// LinkHandle is a supervised GattLink. Teardown happens at most once.
type LinkHandle struct {
	gen     uint64
	link    GattLink
	address string
	once    sync.Once
}

// Generation is the open sequence number of this handle.
func (h *LinkHandle) Generation() uint64 {
	return h.gen
}

// Link exposes the underlying GattLink.
func (h *LinkHandle) Link() GattLink {
	return h.link
}

func (h *LinkHandle) teardown(graceful bool) bool {
	done := false
	h.once.Do(func() {
		if graceful {
			h.link.Disconnect()
		}
		h.link.Close()
		done = true
	})
	return done
}

// Supervisor owns the single active link of the process. Opening a new link
// closes the previous one; the older transaction notices through its
// generation and stops.
type Supervisor struct {
	mu        sync.Mutex
	active    *LinkHandle
	gen       atomic.Uint64
	connector Connector
	logger    *zap.Logger
}

func NewSupervisor(connector Connector, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		connector: connector,
		logger:    logger.Named("supervisor"),
	}
}

// OpenReplacing closes any active link and starts a new one to p.
func (s *Supervisor) OpenReplacing(p Peripheral, sink EventSink) (*LinkHandle, error) {
	s.mu.Lock()
	old := s.active
	s.active = nil
	gen := s.gen.Add(1)
	s.mu.Unlock()

	if old != nil && old.teardown(false) {
		s.logger.Info("Closed superseded link",
			zap.String("address", old.address),
			zap.Uint64("generation", old.gen))
	}

	link, err := s.connector.Connect(p, sink)
	if err != nil {
		return nil, err
	}
	h := &LinkHandle{gen: gen, link: link, address: p.Address}

	s.mu.Lock()
	if s.gen.Load() != gen {
		s.mu.Unlock()
		h.teardown(false)
		return nil, ErrSuperseded
	}
	s.active = h
	s.mu.Unlock()

	s.logger.Debug("Opened link", zap.String("address", p.Address), zap.Uint64("generation", gen))
	return h, nil
}

// Generation returns the sequence number of the most recent open.
func (s *Supervisor) Generation() uint64 {
	return s.gen.Load()
}

// IsActive reports whether h is still the tracked link.
func (s *Supervisor) IsActive(h *LinkHandle) bool {
	if h == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == h
}

// Active reports whether any link is currently open.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Release disconnects and closes h.
func (s *Supervisor) Release(h *LinkHandle) {
	s.detach(h)
	if h.teardown(true) {
		s.logger.Debug("Released link", zap.String("address", h.address), zap.Uint64("generation", h.gen))
	}
}

// Close closes h without a graceful disconnect.
func (s *Supervisor) Close(h *LinkHandle) {
	s.detach(h)
	h.teardown(false)
}

// Shutdown closes the active link, if any. A transaction still running on
// it is dropped as superseded.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	h := s.active
	s.active = nil
	s.gen.Add(1)
	s.mu.Unlock()
	if h != nil {
		h.teardown(true)
	}
}

func (s *Supervisor) detach(h *LinkHandle) {
	s.mu.Lock()
	if s.active == h {
		s.active = nil
	}
	s.mu.Unlock()
}
