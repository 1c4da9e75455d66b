package testutils

import "github.com/go-ble/ble"

// FakeAdvertisement implements ble.Advertisement with fixed values.
// Methods not overridden here panic through the nil embedded interface.
type FakeAdvertisement struct {
	ble.Advertisement

	name        string
	addr        ble.Addr
	rssi        int
	services    []ble.UUID
	connectable bool
}

func (a *FakeAdvertisement) LocalName() string        { return a.name }
func (a *FakeAdvertisement) Addr() ble.Addr           { return a.addr }
func (a *FakeAdvertisement) RSSI() int                { return a.rssi }
func (a *FakeAdvertisement) Services() []ble.UUID     { return a.services }
func (a *FakeAdvertisement) ManufacturerData() []byte { return nil }
func (a *FakeAdvertisement) Connectable() bool        { return a.connectable }

// AdvertisementBuilder builds fake BLE advertisements for testing.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	connectable bool
}

// NewAdvertisementBuilder creates a new AdvertisementBuilder with default values.
// The builder starts connectable with an RSSI of -50.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		rssi:        -50,
		connectable: true,
	}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	return b
}

// Build creates the advertisement. Service UUIDs must parse.
func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := &FakeAdvertisement{
		name:        b.name,
		rssi:        b.rssi,
		connectable: b.connectable,
	}
	if b.address != "" {
		adv.addr = ble.NewAddr(b.address)
	}
	for _, s := range b.services {
		adv.services = append(adv.services, ble.MustParse(s))
	}
	return adv
}

// BuildAll is a shorthand for building several advertisements at once.
func BuildAll(builders ...*AdvertisementBuilder) []ble.Advertisement {
	out := make([]ble.Advertisement, len(builders))
	for i, b := range builders {
		out[i] = b.Build()
	}
	return out
}
