package simulator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/databloom/internal/device"
	"github.com/srg/databloom/internal/sample"
	"github.com/srg/databloom/internal/session"
	"github.com/srg/databloom/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type TransportTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	transport *Transport
}

func (s *TransportTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.transport = NewTransport(TransportOptions{
		Walk: Options{Seed: 5, MinHz: 200, MaxHz: 400},
	}, s.helper.Logger)
}

func (s *TransportTestSuite) TestRequestDevice_MatchesSensorFilters() {
	p, err := s.transport.RequestDevice(context.Background(), &device.RequestOptions{
		Filters: []device.Filter{{NamePrefix: "BBC micro:bit", Services: []string{session.NUSService}}},
	})
	s.Require().NoError(err)
	s.Equal("BBC micro:bit [sim]", p.Name())
	s.Equal("5a:1d:00:00:00:01", p.Address())
}

func (s *TransportTestSuite) TestRequestDevice_ForeignFilter() {
	_, err := s.transport.RequestDevice(context.Background(), &device.RequestOptions{
		Filters: []device.Filter{{NamePrefix: "Thermo"}},
	})
	s.ErrorIs(err, device.ErrNothingMatched)
}

func (s *TransportTestSuite) TestRequestDevice_Cancelled() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.transport.RequestDevice(ctx, &device.RequestOptions{AcceptAllDevices: true})
	s.ErrorIs(err, device.ErrCancelled)
}

func (s *TransportTestSuite) TestLookup() {
	p, err := s.transport.Lookup(context.Background(), "5A:1D:00:00:00:01")
	s.Require().NoError(err)
	s.Same(s.transport.Peripheral(), p)

	_, err = s.transport.Lookup(context.Background(), "aa:bb:cc:dd:ee:ff")
	s.ErrorIs(err, device.ErrNothingMatched)
}

func (s *TransportTestSuite) TestNotifications_ChunkedCSV() {
	ctx := context.Background()
	link, err := s.transport.Peripheral().Connect(ctx)
	s.Require().NoError(err)
	defer func() { _ = link.Disconnect() }()

	svc, err := link.GetPrimaryService(ctx, session.NUSService)
	s.Require().NoError(err)
	tx, err := svc.GetCharacteristic(ctx, session.NUSTX)
	s.Require().NoError(err)
	s.True(device.CanNotify(tx))

	var mu sync.Mutex
	var chunks [][]byte
	s.Require().NoError(tx.StartNotifications(func(b []byte) {
		mu.Lock()
		chunks = append(chunks, b)
		mu.Unlock()
	}))

	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) >= 10
	}, 2*time.Second, 5*time.Millisecond)
	s.Require().NoError(tx.StopNotifications())

	mu.Lock()
	defer mu.Unlock()
	for _, c := range chunks {
		s.LessOrEqual(len(c), 20)
		s.NotEmpty(c)
	}
	st := link.(*Link).Stats()
	s.NotZero(st.Records)
	s.Zero(st.DroppedBytes)
}

func (s *TransportTestSuite) TestRXIsWriteOnly() {
	ctx := context.Background()
	link, err := s.transport.Peripheral().Connect(ctx)
	s.Require().NoError(err)
	svc, err := link.GetPrimaryService(ctx, session.NUSService)
	s.Require().NoError(err)

	rx, err := svc.GetCharacteristic(ctx, session.NUSRX)
	s.Require().NoError(err)
	s.False(device.CanNotify(rx))
	s.Error(rx.StartNotifications(func([]byte) {}))
}

func (s *TransportTestSuite) TestUnknownService() {
	link, err := s.transport.Peripheral().Connect(context.Background())
	s.Require().NoError(err)

	_, err = link.GetPrimaryService(context.Background(), session.MicrobitUARTService)
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)
}

func (s *TransportTestSuite) TestDisconnect_ClosesChannel() {
	link, err := s.transport.Peripheral().Connect(context.Background())
	s.Require().NoError(err)

	s.NoError(link.Disconnect())
	s.NoError(link.Disconnect())
	s.False(link.Connected())
	select {
	case <-link.Disconnected():
	default:
		s.Fail("Disconnected channel not closed")
	}

	_, err = link.GetPrimaryService(context.Background(), session.NUSService)
	s.ErrorIs(err, device.ErrNotConnected)
}

func (s *TransportTestSuite) TestReconnectDropsPreviousLink() {
	first, err := s.transport.Peripheral().Connect(context.Background())
	s.Require().NoError(err)
	second, err := s.transport.Peripheral().Connect(context.Background())
	s.Require().NoError(err)

	s.False(first.Connected())
	s.True(second.Connected())
	s.Same(second, s.transport.Peripheral().Link())
}

// The virtual sensor negotiates as Nordic NUS and its chunked stream decodes into
// consecutive records.
func (s *TransportTestSuite) TestSessionEndToEnd() {
	var mu sync.Mutex
	var got []sample.Payload
	sess := session.New(s.transport, session.Options{}, session.Callbacks{
		OnSample: func(p sample.Payload) {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		},
	}, s.helper.Logger)

	s.Require().NoError(sess.Connect(context.Background()))
	defer func() { _ = sess.Disconnect() }()

	profile, ok := sess.Profile()
	s.Require().True(ok)
	s.Equal("Nordic NUS", profile.Name)

	s.Require().Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 5
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(got); i++ {
		s.Equal(got[i-1].Seq+1, got[i].Seq)
	}
	s.Zero(sess.Decoder().Dropped())
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}

func TestTransport_OverflowCountsDroppedBytes(t *testing.T) {
	tr := NewTransport(TransportOptions{
		BufferSize: 8,
		Walk:       Options{Seed: 9},
	}, testutils.QuietLogger())

	link, err := tr.Peripheral().Connect(context.Background())
	require.NoError(t, err)
	defer func() { _ = link.Disconnect() }()
	svc, err := link.GetPrimaryService(context.Background(), session.NUSService)
	require.NoError(t, err)
	tx, err := svc.GetCharacteristic(context.Background(), session.NUSTX)
	require.NoError(t, err)

	// the first record is written synchronously and never fits in 8 bytes
	require.NoError(t, tx.StartNotifications(func([]byte) {}))
	assert.NotZero(t, link.(*Link).Stats().DroppedBytes)
}
