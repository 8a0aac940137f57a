package bluetooth

import "fmt"

// FailureKind classifies why a transaction did not succeed.
type FailureKind int

const (
	KindNone FailureKind = iota
	PermissionDenied
	AdapterUnavailable
	InvalidConfig
	TargetNotFound
	ConnectFailed
	DisconnectedEarly
	NegotiationIgnored
	DiscoveryFailed
	ServiceMissing
	CharacteristicMissing
	WriteEnqueueFailed
	WriteFailed
	StatusCharacteristicMissing
	StatusReadFailed
	Superseded
)

var failureKindNames = map[FailureKind]string{
	KindNone:                    "none",
	PermissionDenied:            "permission_denied",
	AdapterUnavailable:          "adapter_unavailable",
	InvalidConfig:               "invalid_config",
	TargetNotFound:              "target_not_found",
	ConnectFailed:               "connect_failed",
	DisconnectedEarly:           "disconnected_early",
	NegotiationIgnored:          "negotiation_ignored",
	DiscoveryFailed:             "discovery_failed",
	ServiceMissing:              "service_missing",
	CharacteristicMissing:       "characteristic_missing",
	WriteEnqueueFailed:          "write_enqueue_failed",
	WriteFailed:                 "write_failed",
	StatusCharacteristicMissing: "status_characteristic_missing",
	StatusReadFailed:            "status_read_failed",
	Superseded:                  "superseded",
}

func (k FailureKind) String() string {
	if name, ok := failureKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Reported is false for kinds that never reach the result handler.
func (k FailureKind) Reported() bool {
	return k != NegotiationIgnored && k != Superseded
}

// TransactionError describes a failed transaction or a failed precondition.
type TransactionError struct {
	Kind      FailureKind
	Status    GattStatus
	Attempt   int
	Retriable bool
	Msg       string
}

func (e *TransactionError) Error() string {
	return e.Msg
}

// Is matches any TransactionError of the same kind.
func (e *TransactionError) Is(target error) bool {
	t, ok := target.(*TransactionError)
	return ok && t.Kind == e.Kind
}

var (
	ErrPermissionDenied   = &TransactionError{Kind: PermissionDenied, Msg: "bluetooth permission not granted"}
	ErrAdapterUnavailable = &TransactionError{Kind: AdapterUnavailable, Msg: "bluetooth adapter unavailable"}
	ErrTargetNotFound     = &TransactionError{Kind: TargetNotFound, Msg: "target device not found"}
	ErrSuperseded         = &TransactionError{Kind: Superseded, Msg: "superseded by a newer transaction"}
)

func invalidConfig(format string, args ...interface{}) *TransactionError {
	return &TransactionError{Kind: InvalidConfig, Msg: fmt.Sprintf(format, args...)}
}
