package bluetooth

import (
	"fmt"
	"time"
)

// Transaction states
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateNegotiating
	StateDiscovering
	StateWriting
	StateAwaitingStatus
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateDiscovering:
		return "discovering"
	case StateWriting:
		return "writing"
	case StateAwaitingStatus:
		return "awaiting_status"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Peripheral is a remote device known to the local adapter.
type Peripheral struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Bonded  bool   `json:"bonded"`
}

// TargetIdentity selects the pager. An empty PreferredAddress means no
// address preference.
type TargetIdentity struct {
	PreferredAddress string
	PreferredName    string
}

// PagerConfig is the configuration read once at transaction start.
type PagerConfig struct {
	DeviceAddress     string `json:"deviceAddress"`
	DeviceName        string `json:"deviceName"`
	ServiceUUID       string `json:"serviceUuid"`
	RxUUID            string `json:"rxUuid"`
	ForwardingEnabled bool   `json:"forwardingEnabled"`
	SourcePackage     string `json:"sourcePackage"`
}

// Identity returns the target selection part of the configuration.
func (c PagerConfig) Identity() TargetIdentity {
	return TargetIdentity{PreferredAddress: c.DeviceAddress, PreferredName: c.DeviceName}
}

// DefaultPagerConfig returns the factory configuration.
func DefaultPagerConfig() PagerConfig {
	return PagerConfig{
		DeviceName:        DefaultDeviceName,
		ServiceUUID:       DefaultServiceUUID,
		RxUUID:            DefaultRxCharUUID,
		ForwardingEnabled: true,
		SourcePackage:     DefaultSourcePackage,
	}
}

// ConfigProvider supplies the current pager configuration.
type ConfigProvider interface {
	PagerConfig() (PagerConfig, error)
}

// StaticConfig is a ConfigProvider returning a fixed value.
type StaticConfig PagerConfig

func (c StaticConfig) PagerConfig() (PagerConfig, error) {
	return PagerConfig(c), nil
}

// CommandEnvelope is the immutable input of one transaction.
type CommandEnvelope struct {
	Payload           []byte
	ExpectStatusReply bool
}

// Outcome is the single terminal result of a transaction.
type Outcome struct {
	Succeeded   bool          `json:"succeeded"`
	Message     string        `json:"message"`
	StatusReply string        `json:"statusReply,omitempty"`
	Kind        FailureKind   `json:"kind"`
	Chunks      int           `json:"chunks"`
	Attempts    int           `json:"attempts"`
	Elapsed     time.Duration `json:"elapsedNs"`
}

// ResultHandler receives a transaction outcome on the dispatcher goroutine.
type ResultHandler func(Outcome)

// ChunkPlan tracks the frames of a payload and the next one to write.
type ChunkPlan struct {
	Chunks [][]byte
	Next   int
}

func (p ChunkPlan) Remaining() int {
	return len(p.Chunks) - p.Next
}

// RetryState is the connect attempt counter of one transaction.
type RetryState struct {
	Attempt     int
	MaxAttempts int
}

func newRetryState() RetryState {
	return RetryState{Attempt: 1, MaxAttempts: MaxConnectAttempts}
}

// CanRetry reports whether another connect attempt is allowed.
func (r RetryState) CanRetry() bool {
	return r.Attempt < r.MaxAttempts
}

// Delay is the linear backoff before the attempt following r.Attempt.
func (r RetryState) Delay(base time.Duration) time.Duration {
	return base * time.Duration(r.Attempt)
}

func (r RetryState) String() string {
	return fmt.Sprintf("%d/%d", r.Attempt, r.MaxAttempts)
}
