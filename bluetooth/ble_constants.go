package bluetooth

import "time"

const (
	// Default pager identity (must match the peripheral firmware)
	DefaultDeviceName  = "PagerBridge"
	DefaultServiceUUID = "1b0ee9b4-e833-5a9e-354c-7e2d486b2b7f"
	DefaultRxCharUUID  = "1b0ee9b4-e833-5a9e-354c-7e2d496b2b7f"

	// StatusCharUUID is fixed in firmware and not configurable.
	StatusCharUUID = "1b0ee9b4-e833-5a9e-354c-7e2d4a6b2b7f"

	// BLE Configuration
	TargetMTU     = 517
	DefaultMTU    = 23
	MTUHeaderSize = 3
	MinChunkSize  = 20

	// Connect retry
	MaxConnectAttempts    = 3
	ConnectRetryBaseDelay = 350 * time.Millisecond

	// MaxOutboundChars bounds a forwarded message before chunking.
	MaxOutboundChars = 200

	// EmptyStatusReply stands in for a blank or undecodable status read.
	EmptyStatusReply = "<empty>"
)

// Per-phase timeouts for a single transaction.
const (
	ConnectTimeout    = 10 * time.Second
	NegotiateTimeout  = 5 * time.Second
	DiscoveryTimeout  = 10 * time.Second
	WriteTimeout      = 5 * time.Second
	StatusReadTimeout = 5 * time.Second
)

// Timeouts bounds each asynchronous step of a transaction. A zero field
// disables the timer for that phase.
type Timeouts struct {
	Connect    time.Duration
	Negotiate  time.Duration
	Discovery  time.Duration
	Write      time.Duration
	StatusRead time.Duration
}

// DefaultTimeouts returns the timeouts used when none are configured.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:    ConnectTimeout,
		Negotiate:  NegotiateTimeout,
		Discovery:  DiscoveryTimeout,
		Write:      WriteTimeout,
		StatusRead: StatusReadTimeout,
	}
}
