package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/databloom/internal/device"
	"github.com/srg/databloom/internal/sample"
	"github.com/srg/databloom/internal/simulator"
	"github.com/srg/databloom/internal/store"
	"github.com/srg/databloom/internal/testutils"
	"github.com/srg/databloom/pkg/config"
	"github.com/stretchr/testify/suite"
)

// clock is a manually advanced time source shared by the store and the watchdog.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type MonitorTestSuite struct {
	testutils.FakeTransportSuite

	cfg     *config.Config
	clock   *clock
	store   *store.Store
	monitor *Monitor
}

func (s *MonitorTestSuite) SetupTest() {
	s.FakeTransportSuite.SetupTest()

	s.cfg = config.DefaultConfig()
	s.clock = &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.store = store.New(store.Options{NotifyInterval: time.Millisecond, Now: s.clock.Now}, s.Logger)
	s.monitor = New(s.cfg, s.Transport, s.store, s.Logger)
	s.monitor.now = s.clock.Now
}

func (s *MonitorTestSuite) TearDownTest() {
	s.NoError(s.monitor.Close())
	s.FakeTransportSuite.TearDownTest()
}

func (s *MonitorTestSuite) emit(line string) {
	s.Require().True(s.Peripheral.Characteristic(testutils.UARTTX).Emit([]byte(line)))
}

func (s *MonitorTestSuite) TestConnect_DiscoversAndFeedsStore() {
	var mu sync.Mutex
	var sunk []sample.Payload
	s.monitor.AddSink(func(p sample.Payload) {
		mu.Lock()
		sunk = append(sunk, p)
		mu.Unlock()
	})

	s.Require().NoError(s.monitor.Connect(context.Background()))

	snap := s.store.Snapshot()
	s.Equal(store.Connected, snap.Connection)
	s.True(snap.PermissionGranted)
	s.Equal("c4:a1:0e:55:21:07", s.cfg.Device.Address)
	s.Equal("BBC micro:bit [zogav]", s.cfg.Device.Name)

	s.emit("41,600,22.5,1")
	s.emit("20\n42,610,22.4,118\n")

	last := s.store.Snapshot().LastSample
	s.Require().NotNil(last)
	s.Equal(uint16(42), last.Seq)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([]sample.Payload{
		{Seq: 41, MoistureRaw: 600, TempC: 22.5, LightRaw: 120},
		{Seq: 42, MoistureRaw: 610, TempC: 22.4, LightRaw: 118},
	}, sunk)
}

func (s *MonitorTestSuite) TestConnect_RememberedAddressSkipsDiscovery() {
	s.cfg.Device.Address = "c4:a1:0e:55:21:07"

	s.Require().NoError(s.monitor.Connect(context.Background()))
	s.Empty(s.Transport.Requests())
	s.Equal(1, s.Peripheral.Connects())
}

func (s *MonitorTestSuite) TestConnect_RememberedAddressGoneFallsBackToDiscovery() {
	s.cfg.Device.Address = "aa:bb:cc:dd:ee:ff"

	s.Require().NoError(s.monitor.Connect(context.Background()))
	s.NotEmpty(s.Transport.Requests())
	s.Equal("c4:a1:0e:55:21:07", s.cfg.Device.Address)
}

func (s *MonitorTestSuite) TestConnect_FailureLeavesDisconnected() {
	boom := errors.New("adapter exploded")
	s.Transport.Script(testutils.FailWith(boom))

	err := s.monitor.Connect(context.Background())
	s.ErrorIs(err, boom)
	s.Equal(store.Disconnected, s.store.Snapshot().Connection)
	s.ErrorIs(s.monitor.LastError(), boom)
}

func (s *MonitorTestSuite) TestConnect_AlreadyActive() {
	s.Require().NoError(s.monitor.Connect(context.Background()))

	s.ErrorIs(s.monitor.Connect(context.Background()), device.ErrAlreadyConnected)
	s.Equal(store.Connected, s.store.Snapshot().Connection)
}

func (s *MonitorTestSuite) TestLinkLossMarksDisconnected() {
	s.Require().NoError(s.monitor.Connect(context.Background()))

	s.Peripheral.Link().Drop()
	s.Require().Eventually(func() bool {
		return s.store.Snapshot().Connection == store.Disconnected
	}, s.TestTimeout, time.Millisecond)
}

func (s *MonitorTestSuite) TestDisconnect() {
	s.Require().NoError(s.monitor.Connect(context.Background()))

	s.NoError(s.monitor.Disconnect())
	s.Equal(store.Disconnected, s.store.Snapshot().Connection)
	s.False(s.Peripheral.Link().Connected())
}

func (s *MonitorTestSuite) TestWatchdog_ReconnectsAfterSilence() {
	s.Require().NoError(s.monitor.Connect(context.Background()))
	s.emit("1,600,22,120\n")

	s.clock.Advance(4 * time.Second)
	s.store.CheckSilence()
	s.False(s.monitor.CheckReconnect(context.Background()), "below threshold")

	s.clock.Advance(2 * time.Second)
	s.store.CheckSilence()
	s.True(s.monitor.CheckReconnect(context.Background()))

	s.Require().Eventually(func() bool {
		return s.Peripheral.Connects() == 2 && s.store.Snapshot().Connection == store.Connected
	}, s.TestTimeout, time.Millisecond)
	s.Equal(uint64(1), s.monitor.ReconnectAttempts())

	s.False(s.monitor.CheckReconnect(context.Background()), "minimum interval between attempts")

	s.clock.Advance(5 * time.Second)
	s.store.CheckSilence()
	s.True(s.monitor.CheckReconnect(context.Background()))
}

func (s *MonitorTestSuite) TestWatchdog_NeverSampledCountsAsSilent() {
	s.Require().NoError(s.monitor.Connect(context.Background()))

	s.True(s.monitor.CheckReconnect(context.Background()))
}

func (s *MonitorTestSuite) TestWatchdog_IdleWhenDisconnected() {
	s.False(s.monitor.CheckReconnect(context.Background()))
}

func (s *MonitorTestSuite) TestWatchdog_ReconnectsAfterLinkLoss() {
	s.Require().NoError(s.monitor.Connect(context.Background()))
	s.emit("1,600,22,120\n")

	s.Peripheral.Link().Drop()
	s.Require().Eventually(func() bool {
		return s.store.Snapshot().Connection == store.Disconnected
	}, s.TestTimeout, time.Millisecond)

	s.clock.Advance(6 * time.Second)
	s.store.CheckSilence()
	s.True(s.monitor.CheckReconnect(context.Background()))

	s.Require().Eventually(func() bool {
		return s.Peripheral.Connects() == 2 && s.store.Snapshot().Connection == store.Connected
	}, s.TestTimeout, time.Millisecond)
	s.Equal(uint64(1), s.monitor.ReconnectAttempts())
}

func (s *MonitorTestSuite) TestWatchdog_IdleAfterExplicitDisconnect() {
	s.Require().NoError(s.monitor.Connect(context.Background()))
	s.Require().NoError(s.monitor.Disconnect())

	s.clock.Advance(time.Minute)
	s.False(s.monitor.CheckReconnect(context.Background()))
	s.Equal(1, s.Peripheral.Connects())
}

func (s *MonitorTestSuite) TestWatchdog_FailedReconnectMarksDisconnected() {
	failing := testutils.NewPeripheralDeviceBuilder().
		WithName("BBC micro:bit [zogav]").
		WithConnectError(errors.New("page timeout")).
		Build()
	st := store.New(store.Options{NotifyInterval: time.Millisecond, Now: s.clock.Now}, s.Logger)
	m := New(config.DefaultConfig(), testutils.NewFakeTransport(failing), st, s.Logger)
	m.now = s.clock.Now
	defer func() { _ = m.Close() }()

	_, err := m.Session().Discover(context.Background())
	s.Require().NoError(err)
	st.SetConnection(store.Connected)

	s.True(m.CheckReconnect(context.Background()))
	s.Require().Eventually(func() bool {
		return st.Snapshot().Connection == store.Disconnected && m.LastError() != nil
	}, s.TestTimeout, time.Millisecond)
}

func (s *MonitorTestSuite) TestSimulator() {
	ctx := context.Background()
	s.monitor.StartSimulator(ctx, simulator.Options{Seed: 1, MinHz: 200, MaxHz: 400})
	s.True(s.monitor.SimulatorRunning())

	snap := s.store.Snapshot()
	s.True(snap.UsingSimulator)
	s.Equal(store.Connected, snap.Connection)
	s.NotNil(snap.LastSample, "first simulated record is synchronous")

	s.ErrorIs(s.monitor.Connect(ctx), ErrSimulatorRunning)
	s.False(s.monitor.CheckReconnect(ctx), "no reconnects while simulating")

	s.monitor.StopSimulator()
	s.monitor.StopSimulator()
	s.False(s.monitor.SimulatorRunning())

	s.Require().Eventually(func() bool {
		snap := s.store.Snapshot()
		return !snap.UsingSimulator && snap.Connection == store.Disconnected
	}, s.TestTimeout, time.Millisecond)
}

func (s *MonitorTestSuite) TestStart_RunsWatchdog() {
	s.cfg.Reconnect.CheckInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Require().NoError(s.monitor.Connect(ctx))
	s.monitor.Start(ctx)

	s.Require().Eventually(func() bool {
		return s.monitor.ReconnectAttempts() >= 1
	}, s.TestTimeout, time.Millisecond)
}

func (s *MonitorTestSuite) TestClose_Idempotent() {
	s.Require().NoError(s.monitor.Connect(context.Background()))
	s.monitor.StartSimulator(context.Background(), simulator.Options{Seed: 2})

	s.NoError(s.monitor.Close())
	s.NoError(s.monitor.Close())
	s.Equal(store.Disconnected, s.store.Snapshot().Connection)
}

func TestMonitorTestSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}
