package bluetooth

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTransactionSingleChunkNoStatus(t *testing.T) {
	h := newHarness(t)
	got := newOutcomes()

	if !h.client.SendTransaction([]byte("hello"), false, got.handler) {
		t.Fatal("transaction did not start")
	}
	out := got.wait(t)

	if !out.Succeeded {
		t.Fatalf("expected success, got %+v", out)
	}
	if !strings.Contains(out.Message, "1 chunk(s)") {
		t.Errorf("message = %q, want chunk count", out.Message)
	}
	if out.StatusReply != "" {
		t.Errorf("unexpected status reply %q", out.StatusReply)
	}
	link := h.platform.link(0)
	if len(link.writes) != 1 || string(link.writes[0]) != "hello" {
		t.Errorf("writes = %q, want [hello]", link.writes)
	}
	if link.reads != 0 {
		t.Errorf("status read issued without being requested")
	}
	got.none(t, h.looper)
}

func TestTransactionChunksInOrder(t *testing.T) {
	h := newHarness(t)
	h.platform.configure = func(l *fakeLink) { l.mtu = 247 }
	got := newOutcomes()

	payload := bytes.Repeat([]byte("abcdefghij"), 50)
	h.client.SendTransaction(payload, false, got.handler)
	out := got.wait(t)

	if !out.Succeeded || out.Chunks != 3 {
		t.Fatalf("outcome = %+v, want success with 3 chunks", out)
	}
	link := h.platform.link(0)
	want := []int{244, 244, 12}
	if len(link.writes) != len(want) {
		t.Fatalf("got %d writes, want %d", len(link.writes), len(want))
	}
	for i, w := range link.writes {
		if len(w) != want[i] {
			t.Errorf("write %d has %d bytes, want %d", i, len(w), want[i])
		}
	}
	if !bytes.Equal(bytes.Join(link.writes, nil), payload) {
		t.Error("written chunks do not reassemble the payload")
	}
}

func TestTransactionNonRetriableConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.platform.connectStatuses = []GattStatus{StatusConnTerminatePeerUser}
	got := newOutcomes()

	h.client.SendTransaction([]byte("hello"), false, got.handler)
	out := got.wait(t)

	if out.Succeeded || out.Kind != ConnectFailed {
		t.Fatalf("outcome = %+v, want connect failure", out)
	}
	if !strings.Contains(out.Message, "attempt 1/3") {
		t.Errorf("message = %q, want attempt 1/3", out.Message)
	}
	if n := h.platform.connects(); n != 1 {
		t.Errorf("connect attempts = %d, want 1", n)
	}
	if p := h.sched.pending(); len(p) != 0 {
		t.Errorf("pending timers after failure: %v", p)
	}
}

func TestTransactionEmptyStatusReply(t *testing.T) {
	h := newHarness(t)
	h.platform.configure = func(l *fakeLink) { l.readValue = []byte{} }
	got := newOutcomes()

	h.client.SendTransaction([]byte("status\n"), true, got.handler)
	out := got.wait(t)

	if !out.Succeeded {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.StatusReply != EmptyStatusReply {
		t.Errorf("status reply = %q, want %q", out.StatusReply, EmptyStatusReply)
	}
	if !strings.Contains(out.Message, "status read") {
		t.Errorf("message = %q", out.Message)
	}
}

func TestTransactionStatusReplyText(t *testing.T) {
	h := newHarness(t)
	h.platform.configure = func(l *fakeLink) { l.readValue = []byte("OK send queued\r\n\x00") }
	got := newOutcomes()

	h.client.SendTransaction([]byte("SEND a: b\n"), true, got.handler)
	out := got.wait(t)

	if out.StatusReply != "OK send queued" {
		t.Errorf("status reply = %q", out.StatusReply)
	}
	if tag := ClassifyOutcome(out); tag != TagSent {
		t.Errorf("tag = %s, want %s", tag, TagSent)
	}
}

func TestTransactionRetryCeiling(t *testing.T) {
	h := newHarness(t)
	h.platform.connectStatuses = []GattStatus{StatusGattError, StatusConnFailEstablish, StatusConnTimeout}
	got := newOutcomes()

	h.client.SendTransaction([]byte("hello"), false, got.handler)

	if n := h.platform.connects(); n != 1 {
		t.Fatalf("connects = %d before first backoff, want 1", n)
	}
	h.sched.fire(t, 350*time.Millisecond)
	if n := h.platform.connects(); n != 2 {
		t.Fatalf("connects = %d after first backoff, want 2", n)
	}
	h.sched.fire(t, 700*time.Millisecond)
	if n := h.platform.connects(); n != 3 {
		t.Fatalf("connects = %d after second backoff, want 3", n)
	}

	out := got.wait(t)
	if out.Succeeded || out.Kind != ConnectFailed {
		t.Fatalf("outcome = %+v, want connect failure", out)
	}
	if !strings.Contains(out.Message, "attempt 3/3") {
		t.Errorf("message = %q, want attempt 3/3", out.Message)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
	if p := h.sched.pending(); len(p) != 0 {
		t.Errorf("pending timers after ceiling: %v", p)
	}
	for i := 0; i < 3; i++ {
		if _, closes := h.platform.link(i).teardowns(); closes != 1 {
			t.Errorf("link %d closed %d times, want 1", i, closes)
		}
	}
	got.none(t, h.looper)
}

func TestTransactionRetryThenSuccess(t *testing.T) {
	h := newHarness(t)
	h.platform.connectStatuses = []GattStatus{StatusConnFailEstablish}
	got := newOutcomes()

	h.client.SendTransaction([]byte("hello"), false, got.handler)
	h.sched.fire(t, ConnectRetryBaseDelay)

	out := got.wait(t)
	if !out.Succeeded || out.Attempts != 2 {
		t.Fatalf("outcome = %+v, want success on attempt 2", out)
	}
	if n := h.platform.link(0).writeCount(); n != 0 {
		t.Errorf("failed attempt wrote %d chunks", n)
	}
}

func TestTransactionMTURequestNotIssued(t *testing.T) {
	h := newHarness(t)
	h.platform.configure = func(l *fakeLink) {
		l.mtu = 247
		l.mtuErr = errors.New("busy")
	}
	got := newOutcomes()

	h.client.SendTransaction(bytes.Repeat([]byte("x"), 45), false, got.handler)
	out := got.wait(t)

	if !out.Succeeded || out.Chunks != 3 {
		t.Fatalf("outcome = %+v, want 3 default-sized chunks", out)
	}
}

func TestTransactionMTUFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.platform.configure = func(l *fakeLink) {
		l.mtu = 247
		l.mtuStatus = StatusRequestNotSupported
	}
	got := newOutcomes()

	h.client.SendTransaction(bytes.Repeat([]byte("x"), 41), false, got.handler)
	out := got.wait(t)

	if out.Chunks != 3 {
		t.Errorf("chunks = %d, want 3 at the default MTU", out.Chunks)
	}
}

func TestTransactionTerminalFailures(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*fakeLink)
		expect    bool
		kind      FailureKind
		message   string
	}{
		{
			name:      "discovery status",
			configure: func(l *fakeLink) { l.discoverStatus = 129 },
			kind:      DiscoveryFailed,
			message:   "Service discovery failed: 129",
		},
		{
			name:      "service missing",
			configure: func(l *fakeLink) { l.services = map[string]bool{} },
			kind:      ServiceMissing,
			message:   "Service UUID not found",
		},
		{
			name:      "rx missing",
			configure: func(l *fakeLink) { l.chars = map[gattKey]bool{} },
			kind:      CharacteristicMissing,
			message:   "RX characteristic not found",
		},
		{
			name:      "initial enqueue",
			configure: func(l *fakeLink) { l.writeErrAt = 0 },
			kind:      WriteEnqueueFailed,
			message:   "Write enqueue failed (initial)",
		},
		{
			name:      "write status",
			configure: func(l *fakeLink) { l.writeStatus = StatusWriteNotPermitted },
			kind:      WriteFailed,
			message:   "Write failed: 3",
		},
		{
			name: "status characteristic missing",
			configure: func(l *fakeLink) {
				delete(l.chars, gattKey{service: strings.ToLower(DefaultServiceUUID), characteristic: strings.ToLower(StatusCharUUID)})
			},
			expect:  true,
			kind:    StatusCharacteristicMissing,
			message: "Status characteristic not found",
		},
		{
			name:      "status read not started",
			configure: func(l *fakeLink) { l.readErr = errors.New("busy") },
			expect:    true,
			kind:      StatusReadFailed,
			message:   "Status read failed to start",
		},
		{
			name:      "status read status",
			configure: func(l *fakeLink) { l.readStatus = StatusReadNotPermitted },
			expect:    true,
			kind:      StatusReadFailed,
			message:   "Status read failed: 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.platform.configure = tt.configure
			got := newOutcomes()

			h.client.SendTransaction([]byte("hello\n"), tt.expect, got.handler)
			out := got.wait(t)

			if out.Succeeded {
				t.Fatalf("expected failure, got %+v", out)
			}
			if out.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", out.Kind, tt.kind)
			}
			if !strings.HasPrefix(out.Message, tt.message) {
				t.Errorf("message = %q, want prefix %q", out.Message, tt.message)
			}
			disconnects, closes := h.platform.link(0).teardowns()
			if disconnects != 1 || closes != 1 {
				t.Errorf("teardown = %d disconnects, %d closes; want 1 each", disconnects, closes)
			}
			got.none(t, h.looper)
		})
	}
}

func TestTransactionEnqueueFailureDuringChunking(t *testing.T) {
	h := newHarness(t)
	h.platform.configure = func(l *fakeLink) { l.writeErrAt = 1 }
	got := newOutcomes()

	h.client.SendTransaction(bytes.Repeat([]byte("y"), 50), false, got.handler)
	out := got.wait(t)

	if out.Kind != WriteEnqueueFailed {
		t.Fatalf("kind = %s, want %s", out.Kind, WriteEnqueueFailed)
	}
	if !strings.Contains(out.Message, "during chunking, chunk 2/3") {
		t.Errorf("message = %q", out.Message)
	}
}

func TestTransactionDisconnectedEarly(t *testing.T) {
	h := newHarness(t)
	h.platform.configure = func(l *fakeLink) { l.holdWrites = true }
	got := newOutcomes()

	h.client.SendTransaction([]byte("hello"), false, got.handler)
	link := h.platform.link(0)
	if link.writeCount() != 1 {
		t.Fatalf("writes = %d, want 1 in flight", link.writeCount())
	}
	link.emit(ConnectionStateChanged{Status: StatusConnTerminatePeerUser})

	out := got.wait(t)
	if out.Kind != DisconnectedEarly {
		t.Fatalf("kind = %s, want %s", out.Kind, DisconnectedEarly)
	}
	if !strings.Contains(out.Message, "Disconnected before completion") || !strings.Contains(out.Message, "1/3") {
		t.Errorf("message = %q", out.Message)
	}
}

func TestTransactionIgnoresEventsAfterCompletion(t *testing.T) {
	h := newHarness(t)
	got := newOutcomes()

	h.client.SendTransaction([]byte("hello"), false, got.handler)
	got.wait(t)

	link := h.platform.link(0)
	link.emit(CharacteristicWritten{Characteristic: DefaultRxCharUUID, Status: StatusWriteNotPermitted})
	link.emit(ConnectionStateChanged{Status: StatusConnTerminatePeerUser})
	link.emit(CharacteristicRead{Characteristic: StatusCharUUID, Status: StatusSuccess})

	got.none(t, h.looper)
	disconnects, closes := link.teardowns()
	if disconnects != 1 || closes != 1 {
		t.Errorf("teardown = %d disconnects, %d closes; want 1 each", disconnects, closes)
	}
}

func TestTransactionWriteTimeout(t *testing.T) {
	h := newHarness(t)
	h.platform.configure = func(l *fakeLink) { l.holdWrites = true }
	got := newOutcomes()

	h.client.SendTransaction([]byte("hello"), false, got.handler)
	h.sched.fire(t, WriteTimeout)

	out := got.wait(t)
	if out.Kind != WriteFailed || !strings.Contains(out.Message, "timed out") {
		t.Fatalf("outcome = %+v, want write timeout", out)
	}

	// A late acknowledgement is ignored.
	h.platform.link(0).emit(CharacteristicWritten{Characteristic: DefaultRxCharUUID})
	got.none(t, h.looper)
}

func TestTransactionConnectTimeoutRetries(t *testing.T) {
	h := newHarness(t)
	h.platform.holdConnect = true
	got := newOutcomes()

	h.client.SendTransaction([]byte("hello"), false, got.handler)
	h.sched.fire(t, ConnectTimeout)

	if p := h.sched.pending(); len(p) != 1 || p[0] != ConnectRetryBaseDelay {
		t.Fatalf("pending = %v, want one backoff of %s", p, ConnectRetryBaseDelay)
	}
	h.platform.holdConnect = false
	h.sched.fire(t, ConnectRetryBaseDelay)

	out := got.wait(t)
	if !out.Succeeded || out.Attempts != 2 {
		t.Fatalf("outcome = %+v, want success on attempt 2", out)
	}
}

func TestTransactionNegotiationTimeoutFallsBack(t *testing.T) {
	h := newHarness(t)
	h.platform.configure = func(l *fakeLink) { l.holdMTU = true }
	got := newOutcomes()

	h.client.SendTransaction(bytes.Repeat([]byte("z"), 30), false, got.handler)
	h.sched.fire(t, NegotiateTimeout)

	out := got.wait(t)
	if !out.Succeeded || out.Chunks != 2 {
		t.Fatalf("outcome = %+v, want success with 2 chunks", out)
	}
}

func TestTransactionSupersededWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.platform.holdConnect = true
	first := newOutcomes()

	tx1, err := h.client.Begin([]byte("first"), false, first.handler)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	old := h.platform.link(0)

	h.platform.holdConnect = false
	second := newOutcomes()
	h.client.SendTransaction([]byte("second"), false, second.handler)

	if _, closes := old.teardowns(); closes != 1 {
		t.Fatalf("superseded link closed %d times, want 1", closes)
	}
	out := second.wait(t)
	if !out.Succeeded {
		t.Fatalf("second transaction failed: %+v", out)
	}

	// The old link reports late; the old transaction must drop it.
	old.emit(ConnectionStateChanged{Status: StatusSuccess, Connected: true})
	select {
	case <-tx1.Done():
	case <-time.After(time.Second):
		t.Fatal("superseded transaction did not finish")
	}
	first.none(t, h.looper)
	if n := old.writeCount(); n != 0 {
		t.Errorf("superseded link received %d writes", n)
	}
	if _, closes := old.teardowns(); closes != 1 {
		t.Errorf("superseded link closed %d times, want 1", closes)
	}
}

func TestTransactionSupersededDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.platform.connectStatuses = []GattStatus{StatusGattError}
	first := newOutcomes()

	tx1, err := h.client.Begin([]byte("first"), false, first.handler)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	second := newOutcomes()
	h.client.SendTransaction([]byte("second"), false, second.handler)
	if out := second.wait(t); !out.Succeeded {
		t.Fatalf("second transaction failed: %+v", out)
	}

	h.sched.fire(t, ConnectRetryBaseDelay)
	<-tx1.Done()
	first.none(t, h.looper)
	if n := h.platform.connects(); n != 2 {
		t.Errorf("connects = %d, want 2 (no retry after supersession)", n)
	}
}

func TestTransactionSupersededByTimer(t *testing.T) {
	h := newHarness(t)
	h.platform.configure = func(l *fakeLink) { l.holdWrites = true }
	first := newOutcomes()

	tx1, _ := h.client.Begin([]byte("first"), false, first.handler)

	h.platform.configure = nil
	second := newOutcomes()
	h.client.SendTransaction([]byte("second"), false, second.handler)
	second.wait(t)

	h.sched.fire(t, WriteTimeout)
	<-tx1.Done()
	first.none(t, h.looper)
}

func TestDecodeStatusReply(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{nil, EmptyStatusReply},
		{[]byte("   \n"), EmptyStatusReply},
		{[]byte{0xff, 0xfe}, EmptyStatusReply},
		{[]byte("BUSY\n"), "BUSY"},
		{[]byte("OK\x00\x00"), "OK"},
	}
	for _, tt := range tests {
		if got := DecodeStatusReply(tt.in); got != tt.want {
			t.Errorf("DecodeStatusReply(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
