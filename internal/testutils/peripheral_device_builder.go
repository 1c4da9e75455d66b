package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srg/databloom/internal/device"
)

// CharacteristicConfig represents a GATT characteristic of a fake peripheral
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,notify"
	// StartError makes StartNotifications fail with this message.
	StartError string `json:"start_error,omitempty"`
}

// ServiceConfig represents a GATT service of a fake peripheral
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete peripheral profile
type DeviceProfileConfig struct {
	Name       string          `json:"name"`
	Address    string          `json:"address"`
	Advertised []string        `json:"advertised,omitempty"` // advertised service UUIDs
	Services   []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds a FakePeripheral with full service/characteristic support
type PeripheralDeviceBuilder struct {
	profile    DeviceProfileConfig
	connectErr error
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		profile: DeviceProfileConfig{
			Address:  "00:00:00:00:00:01",
			Services: []ServiceConfig{},
		},
	}
}

// WithName sets the advertised local name
func (b *PeripheralDeviceBuilder) WithName(name string) *PeripheralDeviceBuilder {
	b.profile.Name = name
	return b
}

// WithAddress sets the peripheral address
func (b *PeripheralDeviceBuilder) WithAddress(addr string) *PeripheralDeviceBuilder {
	b.profile.Address = addr
	return b
}

// WithAdvertisedServices sets the service UUIDs present in the advertisement
func (b *PeripheralDeviceBuilder) WithAdvertisedServices(uuids ...string) *PeripheralDeviceBuilder {
	b.profile.Advertised = append(b.profile.Advertised, uuids...)
	return b
}

// WithConnectError makes every Connect fail with err
func (b *PeripheralDeviceBuilder) WithConnectError(err error) *PeripheralDeviceBuilder {
	b.connectErr = err
	return b
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string) *PeripheralDeviceBuilder {
	return b.withCharacteristic(CharacteristicConfig{UUID: uuid, Properties: properties})
}

// WithFailingCharacteristic adds a characteristic whose notification start fails with msg
func (b *PeripheralDeviceBuilder) WithFailingCharacteristic(uuid, properties, msg string) *PeripheralDeviceBuilder {
	return b.withCharacteristic(CharacteristicConfig{UUID: uuid, Properties: properties, StartError: msg})
}

func (b *PeripheralDeviceBuilder) withCharacteristic(c CharacteristicConfig) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, c)
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// Build creates the fake peripheral
func (b *PeripheralDeviceBuilder) Build() *FakePeripheral {
	p := &FakePeripheral{
		name:       b.profile.Name,
		address:    b.profile.Address,
		advertised: append([]string(nil), b.profile.Advertised...),
		connectErr: b.connectErr,
	}
	for _, svcConfig := range b.profile.Services {
		svc := &FakeService{uuid: svcConfig.UUID}
		for _, charConfig := range svcConfig.Characteristics {
			c := &FakeCharacteristic{
				uuid:  charConfig.UUID,
				props: device.ParseProperties(charConfig.Properties),
			}
			if charConfig.StartError != "" {
				c.startErr = errors.New(charConfig.StartError)
			}
			svc.chars = append(svc.chars, c)
		}
		p.services = append(p.services, svc)
	}
	return p
}

// ----------------------------
// Fake peripheral
// ----------------------------

var (
	_ device.Peripheral     = (*FakePeripheral)(nil)
	_ device.Link           = (*FakeLink)(nil)
	_ device.Service        = (*FakeService)(nil)
	_ device.Characteristic = (*FakeCharacteristic)(nil)
	_ device.Transport      = (*FakeTransport)(nil)
)

// FakePeripheral implements device.Peripheral over an in-memory GATT profile.
type FakePeripheral struct {
	name       string
	address    string
	advertised []string
	services   []*FakeService
	connectErr error

	mu       sync.Mutex
	link     *FakeLink
	connects atomic.Int32
}

func (p *FakePeripheral) ID() string      { return p.address }
func (p *FakePeripheral) Name() string    { return p.name }
func (p *FakePeripheral) Address() string { return p.address }

// Connect opens a new FakeLink. Any previous link is left as is.
func (p *FakePeripheral) Connect(ctx context.Context) (device.Link, error) {
	p.connects.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	l := &FakeLink{peripheral: p, done: make(chan struct{})}
	l.connected.Store(true)
	p.mu.Lock()
	p.link = l
	p.mu.Unlock()
	return l, nil
}

// Connects returns how many times Connect was called.
func (p *FakePeripheral) Connects() int { return int(p.connects.Load()) }

// Link returns the most recent link, or nil.
func (p *FakePeripheral) Link() *FakeLink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

// Characteristic returns the configured characteristic by UUID, or nil.
func (p *FakePeripheral) Characteristic(uuid string) *FakeCharacteristic {
	for _, s := range p.services {
		for _, c := range s.chars {
			if device.EqualUUID(c.uuid, uuid) {
				return c
			}
		}
	}
	return nil
}

// FakeLink implements device.Link.
type FakeLink struct {
	peripheral *FakePeripheral
	connected  atomic.Bool
	done       chan struct{}
	once       sync.Once
	disconnErr error
}

func (l *FakeLink) Connected() bool { return l.connected.Load() }

func (l *FakeLink) GetPrimaryService(_ context.Context, uuid string) (device.Service, error) {
	if !l.Connected() {
		return nil, device.ErrNotConnected
	}
	for _, s := range l.peripheral.services {
		if device.EqualUUID(s.uuid, uuid) {
			return s, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
}

func (l *FakeLink) Disconnect() error {
	l.Drop()
	return l.disconnErr
}

func (l *FakeLink) Disconnected() <-chan struct{} { return l.done }

// Drop simulates the peripheral going away.
func (l *FakeLink) Drop() {
	l.once.Do(func() {
		l.connected.Store(false)
		close(l.done)
	})
}

// SetDisconnectError makes Disconnect return err after tearing the link down.
func (l *FakeLink) SetDisconnectError(err error) { l.disconnErr = err }

// FakeService implements device.Service.
type FakeService struct {
	uuid  string
	chars []*FakeCharacteristic
}

func (s *FakeService) UUID() string { return s.uuid }

func (s *FakeService) GetCharacteristic(_ context.Context, uuid string) (device.Characteristic, error) {
	for _, c := range s.chars {
		if device.EqualUUID(c.uuid, uuid) {
			return c, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{s.uuid, uuid}}
}

func (s *FakeService) GetCharacteristics(context.Context) ([]device.Characteristic, error) {
	out := make([]device.Characteristic, len(s.chars))
	for i, c := range s.chars {
		out[i] = c
	}
	return out, nil
}

// FakeCharacteristic implements device.Characteristic and records notification calls.
type FakeCharacteristic struct {
	uuid     string
	props    int
	startErr error

	mu      sync.Mutex
	handler func([]byte)
	starts  int
	stops   int
}

func (c *FakeCharacteristic) UUID() string                     { return c.uuid }
func (c *FakeCharacteristic) GetProperties() device.Properties { return device.NewProperties(c.props) }

func (c *FakeCharacteristic) StartNotifications(handler func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.handler = handler
	return nil
}

func (c *FakeCharacteristic) StopNotifications() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.handler = nil
	return nil
}

// Emit delivers data to the current notification handler. Returns false when nobody listens.
func (c *FakeCharacteristic) Emit(data []byte) bool {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Notifying reports whether a handler is registered.
func (c *FakeCharacteristic) Notifying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

// Starts and Stops count StartNotifications and StopNotifications calls.
func (c *FakeCharacteristic) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

func (c *FakeCharacteristic) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// ----------------------------
// Fake transport
// ----------------------------

// RequestFunc overrides how a FakeTransport answers one RequestDevice call.
type RequestFunc func(ctx context.Context, opts *device.RequestOptions) (device.Peripheral, error)

// FakeTransport implements device.Transport over a fixed set of fake peripherals.
// RequestDevice picks the first peripheral the options match, in registration order.
type FakeTransport struct {
	mu          sync.Mutex
	peripherals []*FakePeripheral
	scripted    []RequestFunc
	requests    []device.RequestOptions
}

// NewFakeTransport creates a transport advertising peripherals.
func NewFakeTransport(peripherals ...*FakePeripheral) *FakeTransport {
	return &FakeTransport{peripherals: peripherals}
}

// Script queues per-call overrides; call N uses fns[N] until they run out.
func (t *FakeTransport) Script(fns ...RequestFunc) *FakeTransport {
	t.mu.Lock()
	t.scripted = append(t.scripted, fns...)
	t.mu.Unlock()
	return t
}

// FailWith returns a RequestFunc that fails with err.
func FailWith(err error) RequestFunc {
	return func(context.Context, *device.RequestOptions) (device.Peripheral, error) { return nil, err }
}

// Match returns a RequestFunc that defers to the peripheral list.
func (t *FakeTransport) Match() RequestFunc {
	return t.match
}

func (t *FakeTransport) RequestDevice(ctx context.Context, opts *device.RequestOptions) (device.Peripheral, error) {
	t.mu.Lock()
	if opts != nil {
		t.requests = append(t.requests, *opts)
	} else {
		t.requests = append(t.requests, device.RequestOptions{})
	}
	var fn RequestFunc = t.match
	if len(t.scripted) > 0 {
		fn = t.scripted[0]
		t.scripted = t.scripted[1:]
	}
	t.mu.Unlock()
	return fn(ctx, opts)
}

func (t *FakeTransport) match(ctx context.Context, opts *device.RequestOptions) (device.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, device.NormalizeError(err)
	}
	for _, p := range t.peripherals {
		if opts.Matches(p.name, p.advertised) {
			return p, nil
		}
	}
	return nil, device.ErrNothingMatched
}

func (t *FakeTransport) Lookup(_ context.Context, address string) (device.Peripheral, error) {
	for _, p := range t.peripherals {
		if p.address == address {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", device.ErrNothingMatched, address)
}

// Requests returns a copy of every RequestOptions seen so far.
func (t *FakeTransport) Requests() []device.RequestOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]device.RequestOptions(nil), t.requests...)
}
