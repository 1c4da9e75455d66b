package goble

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/device"
	"github.com/srg/databloom/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	nusService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nusTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	nusRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

// ----------------------------
// Mocks
// ----------------------------

type mockCentral struct {
	mock.Mock
	ads []ble.Advertisement
}

func (m *mockCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	for _, a := range m.ads {
		if ctx.Err() != nil {
			break
		}
		h(a)
	}
	if err := args.Error(0); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockCentral) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	return nil, args.Error(1)
}

type mockClient struct {
	mock.Mock
	disconnected chan struct{}
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (m *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *mockClient) Disconnected() <-chan struct{} { return m.disconnected }

func nusProfile() (*ble.Profile, *ble.Characteristic) {
	tx := &ble.Characteristic{UUID: ble.MustParse(nusTX), Property: ble.CharNotify}
	rx := &ble.Characteristic{UUID: ble.MustParse(nusRX), Property: ble.CharWrite | ble.CharWriteNR}
	return &ble.Profile{Services: []*ble.Service{{
		UUID:            ble.MustParse(nusService),
		Characteristics: []*ble.Characteristic{rx, tx},
	}}}, tx
}

// ----------------------------
// Suite
// ----------------------------

type TransportTestSuite struct {
	suite.Suite
	logger  *logrus.Logger
	central *mockCentral
	tr      *Transport
}

func (s *TransportTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetOutput(io.Discard)
	s.central = &mockCentral{ads: testutils.BuildAll(
		testutils.NewAdvertisementBuilder().WithName("Thermo").WithAddress("AA:00:00:00:00:01"),
		testutils.NewAdvertisementBuilder().WithName("BBC micro:bit [tipov]").WithAddress("AA:00:00:00:00:02").WithConnectable(false),
		testutils.NewAdvertisementBuilder().WithName("BBC micro:bit [zogav]").WithAddress("AA:00:00:00:00:03").WithServices(nusService),
		testutils.NewAdvertisementBuilder().WithName("BBC micro:bit [gepit]").WithAddress("AA:00:00:00:00:04"),
	)}
	s.tr = newTransportWithCentral(s.central, s.logger)
}

func (s *TransportTestSuite) TestRequestDevice_FirstConnectableMatch() {
	s.central.On("Scan", mock.Anything, false, mock.Anything).Return(nil)

	p, err := s.tr.RequestDevice(context.Background(), &device.RequestOptions{
		Filters: []device.Filter{{NamePrefix: "BBC micro:bit"}},
		Timeout: time.Second,
	})

	s.Require().NoError(err)
	s.Equal("BBC micro:bit [zogav]", p.Name())
	s.Equal("aa:00:00:00:00:03", p.Address())
}

func (s *TransportTestSuite) TestRequestDevice_ServiceFilter() {
	s.central.On("Scan", mock.Anything, false, mock.Anything).Return(nil)

	p, err := s.tr.RequestDevice(context.Background(), &device.RequestOptions{
		Filters: []device.Filter{{NamePrefix: "BBC micro:bit", Services: []string{"6e400001b5a3f393e0a9e50e24dcca9e"}}},
		Timeout: time.Second,
	})

	s.Require().NoError(err)
	s.Equal("aa:00:00:00:00:03", p.Address())
}

func (s *TransportTestSuite) TestRequestDevice_NothingMatched() {
	s.central.On("Scan", mock.Anything, false, mock.Anything).Return(nil)

	_, err := s.tr.RequestDevice(context.Background(), &device.RequestOptions{
		Filters: []device.Filter{{NamePrefix: "Calliope"}},
		Timeout: 20 * time.Millisecond,
	})

	s.ErrorIs(err, device.ErrNothingMatched)
}

func (s *TransportTestSuite) TestRequestDevice_Cancelled() {
	s.central.On("Scan", mock.Anything, false, mock.Anything).Return(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.tr.RequestDevice(ctx, &device.RequestOptions{AcceptAllDevices: true})

	s.ErrorIs(err, device.ErrCancelled)
	s.NotErrorIs(err, device.ErrNothingMatched)
}

func (s *TransportTestSuite) TestRequestDevice_ScanFailure() {
	s.central.ads = nil
	s.central.On("Scan", mock.Anything, false, mock.Anything).
		Return(errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"))

	_, err := s.tr.RequestDevice(context.Background(), &device.RequestOptions{AcceptAllDevices: true})

	s.ErrorIs(err, device.ErrBluetoothOff)
}

func (s *TransportTestSuite) TestLookup_UsesScanCache() {
	s.central.On("Scan", mock.Anything, false, mock.Anything).Return(nil).Once()

	p, err := s.tr.Lookup(context.Background(), "AA:00:00:00:00:04")
	s.Require().NoError(err)
	s.Equal("BBC micro:bit [gepit]", p.Name())

	// the first scan cached every advertisement it saw
	p, err = s.tr.Lookup(context.Background(), "aa:00:00:00:00:01")
	s.Require().NoError(err)
	s.Equal("Thermo", p.Name())
	s.central.AssertNumberOfCalls(s.T(), "Scan", 1)
}

func (s *TransportTestSuite) TestLookup_Unknown() {
	s.central.On("Scan", mock.Anything, false, mock.Anything).Return(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.tr.Lookup(ctx, "ff:ff:ff:ff:ff:ff")
	s.ErrorIs(err, device.ErrNothingMatched)
}

func (s *TransportTestSuite) TestScan_ReportsNormalizedAdvertisements() {
	s.central.On("Scan", mock.Anything, true, mock.Anything).Return(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var got []device.Advertisement
	err := s.tr.Scan(ctx, true, func(a device.Advertisement) { got = append(got, a) })

	s.Require().NoError(err)
	s.Require().Len(got, 4)
	s.Equal([]string{"6e400001b5a3f393e0a9e50e24dcca9e"}, got[2].Services)
	s.False(got[1].Connectable)
	s.Equal(-50, got[0].RSSI)
}

func (s *TransportTestSuite) TestConnect_DiscoversProfileAndSubscribes() {
	s.central.On("Scan", mock.Anything, false, mock.Anything).Return(nil)
	client := newMockClient()
	profile, tx := nusProfile()
	client.On("DiscoverProfile", true).Return(profile, nil)
	client.On("Subscribe", tx, false, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(2).(ble.NotificationHandler)([]byte("1,2,3,4\n"))
	}).Return(nil)
	client.On("Unsubscribe", tx, false).Return(nil)
	client.On("CancelConnection").Return(nil)

	var dialed string
	s.tr.dialFn = func(_ context.Context, address string) (gattClient, error) {
		dialed = address
		return client, nil
	}

	p, err := s.tr.Lookup(context.Background(), "aa:00:00:00:00:03")
	s.Require().NoError(err)
	link, err := p.Connect(context.Background())
	s.Require().NoError(err)
	s.Equal("aa:00:00:00:00:03", dialed)
	s.True(link.Connected())

	svc, err := link.GetPrimaryService(context.Background(), nusService)
	s.Require().NoError(err)
	chars, err := svc.GetCharacteristics(context.Background())
	s.Require().NoError(err)
	s.Len(chars, 2)

	c, err := svc.GetCharacteristic(context.Background(), nusTX)
	s.Require().NoError(err)
	s.True(device.CanNotify(c))

	var received []byte
	s.Require().NoError(c.StartNotifications(func(b []byte) { received = append(received, b...) }))
	s.Equal("1,2,3,4\n", string(received))
	s.Require().NoError(c.StopNotifications())

	_, err = svc.GetCharacteristic(context.Background(), "e95d0002-251d-470a-a062-fa1922dfa9a8")
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)

	_, err = link.GetPrimaryService(context.Background(), "e95d0000-251d-470a-a062-fa1922dfa9a8")
	s.ErrorAs(err, &nf)

	s.Require().NoError(link.Disconnect())
	s.False(link.Connected())
	select {
	case <-link.Disconnected():
	case <-time.After(time.Second):
		s.Fail("disconnected channel not closed")
	}
	s.NoError(link.Disconnect(), "second disconnect is a no-op")
	client.AssertNumberOfCalls(s.T(), "CancelConnection", 1)
	client.AssertExpectations(s.T())
}

func (s *TransportTestSuite) TestConnect_NotifyRejected() {
	client := newMockClient()
	profile, tx := nusProfile()
	client.On("DiscoverProfile", true).Return(profile, nil)
	client.On("Subscribe", tx, false, mock.Anything).Return(errors.New("Operation not supported"))
	s.tr.dialFn = func(context.Context, string) (gattClient, error) { return client, nil }

	link, err := s.tr.peripheral(device.Advertisement{Address: "aa"}).Connect(context.Background())
	s.Require().NoError(err)
	svc, err := link.GetPrimaryService(context.Background(), nusService)
	s.Require().NoError(err)
	c, err := svc.GetCharacteristic(context.Background(), nusTX)
	s.Require().NoError(err)

	err = c.StartNotifications(func([]byte) {})
	s.ErrorIs(err, device.ErrNotifyUnsupported)
}

func (s *TransportTestSuite) TestConnect_ProfileDiscoveryFailureCancels() {
	client := newMockClient()
	client.On("DiscoverProfile", true).Return(nil, errors.New("att: timeout"))
	client.On("CancelConnection").Return(nil)
	s.tr.dialFn = func(context.Context, string) (gattClient, error) { return client, nil }

	_, err := s.tr.peripheral(device.Advertisement{Address: "aa"}).Connect(context.Background())
	s.ErrorContains(err, "failed to discover profile")
	client.AssertCalled(s.T(), "CancelConnection")
}

func (s *TransportTestSuite) TestLink_RemoteDisconnect() {
	client := newMockClient()
	profile, _ := nusProfile()
	client.On("DiscoverProfile", true).Return(profile, nil)
	s.tr.dialFn = func(context.Context, string) (gattClient, error) { return client, nil }

	link, err := s.tr.peripheral(device.Advertisement{Address: "aa"}).Connect(context.Background())
	s.Require().NoError(err)

	close(client.disconnected)

	s.Eventually(func() bool { return !link.Connected() }, time.Second, 5*time.Millisecond)
	<-link.Disconnected()
	_, err = link.GetPrimaryService(context.Background(), nusService)
	s.ErrorIs(err, device.ErrNotConnected)
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

func TestTransport_FactoryFailure(t *testing.T) {
	tr := NewTransport(nil)
	tr.newDev = func() (ble.Device, error) { return nil, device.ErrUnsupported }

	_, err := tr.RequestDevice(context.Background(), &device.RequestOptions{AcceptAllDevices: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrUnsupported)
}

func TestCharacteristic_IndicateOnly(t *testing.T) {
	c := &Characteristic{char: &ble.Characteristic{Property: ble.CharIndicate}}
	assert.True(t, c.indicate())

	c = &Characteristic{char: &ble.Characteristic{Property: ble.CharIndicate | ble.CharNotify}}
	assert.False(t, c.indicate())
	assert.Equal(t, "Notify,Indicate", device.FormatProperties(c.GetProperties()))
}
