package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("bluetooth transport is not supported on this platform")
	ErrBluetoothOff = errors.New("bluetooth is turned off")

	// ErrNothingMatched is returned by RequestDevice when no advertisement satisfied the request.
	ErrNothingMatched = errors.New("no matching device found")
	// ErrCancelled is returned by RequestDevice when the caller abandoned the request.
	ErrCancelled = errors.New("device request cancelled")
	// ErrNoProfile is returned when no known profile yields a notify-capable characteristic.
	ErrNoProfile = errors.New("no UART/NUS characteristic with notifications")
	// ErrNotifyUnsupported is returned when a characteristic rejects notification start.
	ErrNotifyUnsupported = errors.New("GATT Error: Not supported (TX notify unavailable or requires pairing).")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// NormalizeError maps backend error strings onto the sentinels above.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "adapter not available"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}

// NormalizeNotifyError maps a failed notification start onto ErrNotifyUnsupported
// when the backend rejected it as unsupported or unauthenticated.
func NormalizeNotifyError(err error) error {
	if err == nil || errors.Is(err, ErrNotifyUnsupported) {
		return err
	}
	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "not supported"),
		containsIgnoreCase(msg, "not permitted"),
		containsIgnoreCase(msg, "insufficient authentication"),
		containsIgnoreCase(msg, "insufficient encryption"):
		return fmt.Errorf("%w: %v", ErrNotifyUnsupported, err)
	default:
		return NormalizeError(err)
	}
}

// ----------------------------
// Transport
// ----------------------------

// Filter matches an advertisement by name prefix and/or advertised services.
// Empty fields match anything.
type Filter struct {
	NamePrefix string
	Services   []string
}

// RequestOptions describes what RequestDevice should pick.
type RequestOptions struct {
	Filters          []Filter
	AcceptAllDevices bool
	OptionalServices []string      // services the caller will use after connecting
	Timeout          time.Duration // scan budget; zero means until ctx is done
}

// Transport finds peripherals. Implementations return ErrNothingMatched when the
// request expires without a match and ErrCancelled when ctx is cancelled.
type Transport interface {
	RequestDevice(ctx context.Context, opts *RequestOptions) (Peripheral, error)
	// Lookup returns a peripheral for a previously seen address without a full request.
	Lookup(ctx context.Context, address string) (Peripheral, error)
}

// Advertisement is one received advertising report.
type Advertisement struct {
	Name             string
	Address          string
	RSSI             int
	Services         []string // normalized UUIDs
	ManufacturerData []byte
	Connectable      bool
}

// Scanner reports advertisements until ctx is done. Returning nil on ctx expiry is
// expected; only backend failures are errors.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Peripheral is a remote device handle that can be (re)connected.
type Peripheral interface {
	ID() string
	Name() string
	Address() string
	Connect(ctx context.Context) (Link, error)
}

// Link is one live connection to a peripheral.
type Link interface {
	Connected() bool
	GetPrimaryService(ctx context.Context, uuid string) (Service, error)
	Disconnect() error
	// Disconnected is closed when the link drops, whoever initiated it.
	Disconnected() <-chan struct{}
}

// Service represents a GATT primary service
type Service interface {
	UUID() string
	GetCharacteristic(ctx context.Context, uuid string) (Characteristic, error)
	GetCharacteristics(ctx context.Context) ([]Characteristic, error)
}

// Characteristic represents a GATT characteristic that may push notifications.
type Characteristic interface {
	UUID() string
	GetProperties() Properties
	// StartNotifications enables notify (or indicate) and delivers every value to handler.
	StartNotifications(handler func([]byte)) error
	StopNotifications() error
}

// CanNotify reports whether the characteristic advertises notify or indicate.
func CanNotify(c Characteristic) bool {
	props := c.GetProperties()
	if props == nil {
		return false
	}
	return props.Notify() != nil || props.Indicate() != nil
}

// Property represents a single characteristic property
type Property interface {
	Value() int
	KnownName() string
}

// Properties represent a collection of characteristic properties
type Properties interface {
	Broadcast() Property
	Read() Property
	Write() Property
	WriteWithoutResponse() Property
	Notify() Property
	Indicate() Property
	AuthenticatedSignedWrites() Property
	ExtendedProperties() Property
}
