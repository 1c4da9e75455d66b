package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// UART service and characteristic UUIDs used by the default fake peripheral.
const (
	UARTService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	UARTTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	UARTRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

// FakeTransportSuite is a testify suite with a FakeTransport wired to one fake peripheral.
//
// Tests that need a different peripheral configure it before calling the parent SetupTest:
//
//	func (s *MySuite) SetupTest() {
//	    s.WithPeripheral().WithName("BBC micro:bit [zogav]").
//	        WithService("e95d0001-251d-470a-a062-fa1922dfa9a8")
//	    s.FakeTransportSuite.SetupTest()
//	}
type FakeTransportSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	PeripheralBuilder *PeripheralDeviceBuilder
	Peripheral        *FakePeripheral
	Transport         *FakeTransport
}

func (s *FakeTransportSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
}

// SetupTest builds the configured peripheral, or a micro:bit exposing the UART service.
func (s *FakeTransportSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = DefaultMicrobit()
	}
	s.Peripheral = s.PeripheralBuilder.Build()
	s.Transport = NewFakeTransport(s.Peripheral)
}

func (s *FakeTransportSuite) TearDownTest() {
	s.PeripheralBuilder = nil
	s.Peripheral = nil
	s.Transport = nil
}

// WithPeripheral returns the builder for the peripheral the next SetupTest creates.
func (s *FakeTransportSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}

// TX returns the fake UART TX characteristic, failing the test when absent.
func (s *FakeTransportSuite) TX() *FakeCharacteristic {
	c := s.Peripheral.Characteristic(UARTTX)
	s.Require().NotNil(c, "peripheral has no UART TX characteristic")
	return c
}

// DefaultMicrobit describes a micro:bit running the UART service with a notifying TX.
func DefaultMicrobit() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().FromJSON(`{
		"name": "BBC micro:bit [zogav]",
		"address": "c4:a1:0e:55:21:07",
		"advertised": [%q],
		"services": [
			{
				"uuid": %q,
				"characteristics": [
					{ "uuid": %q, "properties": "write,write-nr" },
					{ "uuid": %q, "properties": "notify" }
				]
			}
		]
	}`, UARTService, UARTService, UARTRX, UARTTX)
}
