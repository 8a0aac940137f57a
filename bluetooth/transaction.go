package bluetooth

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// internal events, serialised with link events through post
type startEvent struct{}

type retryEvent struct {
	attempt int
}

type timeoutEvent struct {
	token uint64
}

type attemptEvent struct {
	attempt int
	ev      Event
}

// Transaction drives one payload from connect to a single outcome. All
// events, whether from the link, a timer or the caller, go through post and
// are handled one at a time by whichever goroutine is draining the queue.
type Transaction struct {
	id         uint64
	env        CommandEnvelope
	target     Peripheral
	service    string
	rx         string
	sup        *Supervisor
	sched      Scheduler
	timeouts   Timeouts
	completion *Completion
	logger     *zap.Logger
	started    time.Time
	done       chan struct{}

	mu       sync.Mutex
	queue    []interface{}
	draining bool

	// owned by the draining goroutine
	state  State
	retry  RetryState
	handle *LinkHandle
	gen    uint64
	mtu    int
	plan   ChunkPlan
	timer  Timer
	token  uint64
}

type transactionParams struct {
	id         uint64
	env        CommandEnvelope
	target     Peripheral
	service    string
	rx         string
	sup        *Supervisor
	sched      Scheduler
	timeouts   Timeouts
	completion *Completion
	logger     *zap.Logger
}

func newTransaction(p transactionParams) *Transaction {
	if p.sched == nil {
		p.sched = SystemScheduler
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return &Transaction{
		id:         p.id,
		env:        p.env,
		target:     p.target,
		service:    p.service,
		rx:         p.rx,
		sup:        p.sup,
		sched:      p.sched,
		timeouts:   p.timeouts,
		completion: p.completion,
		logger: p.logger.With(
			zap.Uint64("tx", p.id),
			zap.String("address", p.target.Address)),
		done:  make(chan struct{}),
		state: StateIdle,
		retry: newRetryState(),
		mtu:   DefaultMTU,
	}
}

// ID is the client-assigned sequence number.
func (t *Transaction) ID() uint64 {
	return t.id
}

// Target is the resolved peripheral.
func (t *Transaction) Target() Peripheral {
	return t.target
}

// Done is closed once the transaction has finished, delivered or not.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

func (t *Transaction) start() {
	t.started = time.Now()
	t.post(startEvent{})
}

func (t *Transaction) post(ev interface{}) {
	t.mu.Lock()
	t.queue = append(t.queue, ev)
	if t.draining {
		t.mu.Unlock()
		return
	}
	t.draining = true
	for len(t.queue) > 0 {
		next := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.dispatch(next)

		t.mu.Lock()
	}
	t.draining = false
	t.mu.Unlock()
}

func (t *Transaction) sinkFor(attempt int) EventSink {
	return func(ev Event) {
		t.post(attemptEvent{attempt: attempt, ev: ev})
	}
}

func (t *Transaction) dispatch(ev interface{}) {
	if t.state == StateCompleted {
		t.logger.Debug("Ignoring event after completion", zap.String("event", fmt.Sprintf("%T", ev)))
		return
	}
	if t.superseded() {
		t.supersede()
		return
	}

	switch e := ev.(type) {
	case startEvent:
		if t.state == StateIdle {
			t.connect()
		}
	case retryEvent:
		if t.state != StateConnecting || t.handle != nil || e.attempt != t.retry.Attempt {
			t.logger.Debug("Ignoring stale retry", zap.Int("attempt", e.attempt))
			return
		}
		t.connect()
	case timeoutEvent:
		if e.token != t.token {
			return
		}
		t.timer = nil
		t.onTimeout()
	case attemptEvent:
		if e.attempt != t.retry.Attempt || t.handle == nil {
			t.logger.Debug("Ignoring event from previous attempt",
				zap.Int("attempt", e.attempt),
				zap.String("event", fmt.Sprintf("%T", e.ev)))
			return
		}
		t.onLinkEvent(e.ev)
	}
}

func (t *Transaction) superseded() bool {
	return t.gen != 0 && t.sup.Generation() != t.gen
}

func (t *Transaction) onLinkEvent(ev Event) {
	switch e := ev.(type) {
	case ConnectionStateChanged:
		t.onConnectionState(e)
	case MTUChanged:
		if t.state != StateNegotiating {
			t.ignore(ev)
			return
		}
		t.stopTimer()
		if e.Status == StatusSuccess && e.MTU > 0 {
			t.mtu = e.MTU
		} else {
			t.logger.Info("MTU negotiation ignored, using default",
				zap.Int("status", int(e.Status)),
				zap.Int("mtu", DefaultMTU))
			t.mtu = DefaultMTU
		}
		t.discover()
	case ServicesDiscovered:
		if t.state != StateDiscovering {
			t.ignore(ev)
			return
		}
		t.stopTimer()
		t.onServicesDiscovered(e)
	case CharacteristicWritten:
		if t.state != StateWriting || !strings.EqualFold(e.Characteristic, t.rx) {
			t.ignore(ev)
			return
		}
		t.stopTimer()
		t.onWritten(e)
	case CharacteristicRead:
		if t.state != StateAwaitingStatus || !strings.EqualFold(e.Characteristic, StatusCharUUID) {
			t.ignore(ev)
			return
		}
		t.stopTimer()
		t.onStatusRead(e)
	default:
		t.ignore(ev)
	}
}

func (t *Transaction) ignore(ev Event) {
	t.logger.Debug("Ignoring unexpected event",
		zap.Stringer("state", t.state),
		zap.String("event", fmt.Sprintf("%T", ev)))
}

func (t *Transaction) connect() {
	t.state = StateConnecting
	t.logger.Info("Connecting", zap.Stringer("attempt", t.retry))

	h, err := t.sup.OpenReplacing(t.target, t.sinkFor(t.retry.Attempt))
	if err != nil {
		if err == ErrSuperseded {
			t.supersede()
			return
		}
		status := StatusOf(err)
		t.fail(&TransactionError{
			Kind:    ConnectFailed,
			Status:  status,
			Attempt: t.retry.Attempt,
			Msg:     fmt.Sprintf("Connect failed: %v (attempt %s)", err, t.retry),
		})
		return
	}
	t.handle = h
	t.gen = h.Generation()
	t.arm(t.timeouts.Connect)
}

func (t *Transaction) onConnectionState(e ConnectionStateChanged) {
	if t.state == StateConnecting {
		t.stopTimer()
		if e.Status != StatusSuccess {
			t.connectFailed(e.Status)
			return
		}
		if !e.Connected {
			t.fail(&TransactionError{
				Kind:    DisconnectedEarly,
				Attempt: t.retry.Attempt,
				Msg:     fmt.Sprintf("Disconnected before completion (attempt %s)", t.retry),
			})
			return
		}
		t.negotiate()
		return
	}

	if e.Connected && e.Status == StatusSuccess {
		t.ignore(e)
		return
	}
	msg := fmt.Sprintf("Disconnected before completion (attempt %s)", t.retry)
	if e.Status != StatusSuccess {
		msg = fmt.Sprintf("Disconnected before completion: status %d (attempt %s)", int(e.Status), t.retry)
	}
	t.fail(&TransactionError{
		Kind:    DisconnectedEarly,
		Status:  e.Status,
		Attempt: t.retry.Attempt,
		Msg:     msg,
	})
}

func (t *Transaction) connectFailed(status GattStatus) {
	if status.Retriable() && t.retry.CanRetry() {
		delay := t.retry.Delay(ConnectRetryBaseDelay)
		t.logger.Warn("Connect failed, retrying",
			zap.Int("status", int(status)),
			zap.Stringer("attempt", t.retry),
			zap.Duration("delay", delay))

		t.sup.Close(t.handle)
		t.handle = nil
		t.retry.Attempt++
		next := t.retry.Attempt
		t.stopTimer()
		t.timer = t.sched.AfterFunc(delay, func() {
			t.post(retryEvent{attempt: next})
		})
		return
	}

	t.fail(&TransactionError{
		Kind:      ConnectFailed,
		Status:    status,
		Attempt:   t.retry.Attempt,
		Retriable: status.Retriable(),
		Msg:       fmt.Sprintf("Connect failed: status %d (attempt %s)", int(status), t.retry),
	})
}

func (t *Transaction) negotiate() {
	t.state = StateNegotiating
	if err := t.handle.Link().RequestMTU(TargetMTU); err != nil {
		t.logger.Info("MTU request not issued, using default", zap.Error(err), zap.Int("mtu", DefaultMTU))
		t.mtu = DefaultMTU
		t.discover()
		return
	}
	t.arm(t.timeouts.Negotiate)
}

func (t *Transaction) discover() {
	t.state = StateDiscovering
	if err := t.handle.Link().DiscoverServices(); err != nil {
		t.fail(&TransactionError{
			Kind:   DiscoveryFailed,
			Status: StatusOf(err),
			Msg:    fmt.Sprintf("Service discovery failed to start: %v", err),
		})
		return
	}
	t.arm(t.timeouts.Discovery)
}

func (t *Transaction) onServicesDiscovered(e ServicesDiscovered) {
	if e.Status != StatusSuccess {
		t.fail(&TransactionError{
			Kind:   DiscoveryFailed,
			Status: e.Status,
			Msg:    fmt.Sprintf("Service discovery failed: %d", int(e.Status)),
		})
		return
	}
	link := t.handle.Link()
	if !link.HasService(t.service) {
		t.fail(&TransactionError{Kind: ServiceMissing, Msg: "Service UUID not found"})
		return
	}
	if !link.HasCharacteristic(t.service, t.rx) {
		t.fail(&TransactionError{Kind: CharacteristicMissing, Msg: "RX characteristic not found"})
		return
	}

	t.plan = ChunkPlan{Chunks: SplitPayload(t.env.Payload, t.mtu)}
	t.logger.Debug("Writing payload",
		zap.Int("bytes", len(t.env.Payload)),
		zap.Int("mtu", t.mtu),
		zap.Int("chunks", len(t.plan.Chunks)))
	t.write()
}

func (t *Transaction) write() {
	t.state = StateWriting
	i := t.plan.Next
	err := t.handle.Link().WriteCharacteristic(t.service, t.rx, t.plan.Chunks[i])
	if err != nil {
		phase := "initial"
		if i > 0 {
			phase = fmt.Sprintf("during chunking, chunk %d/%d", i+1, len(t.plan.Chunks))
		}
		t.fail(&TransactionError{
			Kind:   WriteEnqueueFailed,
			Status: StatusOf(err),
			Msg:    fmt.Sprintf("Write enqueue failed (%s): %v", phase, err),
		})
		return
	}
	t.arm(t.timeouts.Write)
}

func (t *Transaction) onWritten(e CharacteristicWritten) {
	if e.Status != StatusSuccess {
		t.fail(&TransactionError{
			Kind:   WriteFailed,
			Status: e.Status,
			Msg:    fmt.Sprintf("Write failed: %d", int(e.Status)),
		})
		return
	}

	t.plan.Next++
	if t.plan.Next < len(t.plan.Chunks) {
		t.write()
		return
	}
	if !t.env.ExpectStatusReply {
		t.succeed(fmt.Sprintf("Command written (%d chunk(s))", len(t.plan.Chunks)), "")
		return
	}
	t.readStatus()
}

func (t *Transaction) readStatus() {
	t.state = StateAwaitingStatus
	link := t.handle.Link()
	if !link.HasCharacteristic(t.service, StatusCharUUID) {
		t.fail(&TransactionError{Kind: StatusCharacteristicMissing, Msg: "Status characteristic not found"})
		return
	}
	if err := link.ReadCharacteristic(t.service, StatusCharUUID); err != nil {
		t.fail(&TransactionError{
			Kind:   StatusReadFailed,
			Status: StatusOf(err),
			Msg:    "Status read failed to start",
		})
		return
	}
	t.arm(t.timeouts.StatusRead)
}

func (t *Transaction) onStatusRead(e CharacteristicRead) {
	if e.Status != StatusSuccess {
		t.fail(&TransactionError{
			Kind:   StatusReadFailed,
			Status: e.Status,
			Msg:    fmt.Sprintf("Status read failed: %d", int(e.Status)),
		})
		return
	}
	t.succeed(fmt.Sprintf("Command written + status read (%d chunk(s))", len(t.plan.Chunks)), DecodeStatusReply(e.Value))
}

func (t *Transaction) onTimeout() {
	switch t.state {
	case StateConnecting:
		t.logger.Warn("Connect timed out", zap.Duration("after", t.timeouts.Connect))
		t.connectFailed(StatusConnTimeout)
	case StateNegotiating:
		t.logger.Info("MTU negotiation timed out, using default", zap.Int("mtu", DefaultMTU))
		t.mtu = DefaultMTU
		t.discover()
	case StateDiscovering:
		t.fail(&TransactionError{
			Kind:   DiscoveryFailed,
			Status: StatusConnTimeout,
			Msg:    fmt.Sprintf("Service discovery failed: timed out after %s", t.timeouts.Discovery),
		})
	case StateWriting:
		t.fail(&TransactionError{
			Kind:   WriteFailed,
			Status: StatusConnTimeout,
			Msg: fmt.Sprintf("Write failed: timed out after %s (chunk %d/%d)",
				t.timeouts.Write, t.plan.Next+1, len(t.plan.Chunks)),
		})
	case StateAwaitingStatus:
		t.fail(&TransactionError{
			Kind:   StatusReadFailed,
			Status: StatusConnTimeout,
			Msg:    fmt.Sprintf("Status read failed: timed out after %s", t.timeouts.StatusRead),
		})
	}
}

func (t *Transaction) arm(d time.Duration) {
	t.stopTimer()
	if d <= 0 {
		return
	}
	token := t.token
	t.timer = t.sched.AfterFunc(d, func() {
		t.post(timeoutEvent{token: token})
	})
}

func (t *Transaction) stopTimer() {
	t.token++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Transaction) succeed(msg, reply string) {
	t.finish(Outcome{
		Succeeded:   true,
		Message:     msg,
		StatusReply: reply,
	})
}

func (t *Transaction) fail(err *TransactionError) {
	if err.Attempt == 0 {
		err.Attempt = t.retry.Attempt
	}
	t.logger.Warn("Transaction failed",
		zap.Stringer("kind", err.Kind),
		zap.Stringer("state", t.state),
		zap.Int("status", int(err.Status)),
		zap.String("reason", err.Msg))
	t.finish(Outcome{
		Succeeded: false,
		Message:   err.Msg,
		Kind:      err.Kind,
	})
}

func (t *Transaction) finish(o Outcome) {
	t.stopTimer()
	prev := t.state
	t.state = StateCompleted
	if t.handle != nil {
		t.sup.Release(t.handle)
		t.handle = nil
	}

	o.Chunks = len(t.plan.Chunks)
	o.Attempts = t.retry.Attempt
	o.Elapsed = time.Since(t.started)
	if t.completion.Complete(o) {
		t.logger.Info("Transaction complete",
			zap.Bool("succeeded", o.Succeeded),
			zap.Stringer("from", prev),
			zap.String("message", o.Message),
			zap.Duration("elapsed", o.Elapsed))
	}
	close(t.done)
}

func (t *Transaction) supersede() {
	t.stopTimer()
	t.state = StateCompleted
	if t.handle != nil {
		t.sup.Release(t.handle)
		t.handle = nil
	}
	t.completion.Abandon()
	t.logger.Info("Transaction superseded by a newer one")
	close(t.done)
}

// DecodeStatusReply turns a status characteristic value into text. Blank or
// invalid UTF-8 values become EmptyStatusReply.
func DecodeStatusReply(value []byte) string {
	if !utf8.Valid(value) {
		return EmptyStatusReply
	}
	text := strings.TrimSpace(strings.TrimRight(string(value), "\x00"))
	if text == "" {
		return EmptyStatusReply
	}
	return text
}
