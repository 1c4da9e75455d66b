package simulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/databloom/internal/device"
	"github.com/srg/databloom/internal/groutine"
	"github.com/srg/databloom/internal/sample"
	"github.com/srg/databloom/internal/session"
)

// TransportOptions describes the virtual peripheral.
type TransportOptions struct {
	Name       string `default:"BBC micro:bit [sim]"`
	Address    string `default:"5a:1d:00:00:00:01"`
	ChunkSize  int    `default:"20"`   // bytes per notification, the default ATT payload
	BufferSize int    `default:"1024"` // byte ring between the walk and the notification pump
	Walk       Options
}

// Stats counts what the virtual TX characteristic has produced.
type Stats struct {
	Records       uint64
	Notifications uint64
	DroppedBytes  uint64
}

// Transport is a device.Transport with exactly one always-advertising NUS peripheral.
type Transport struct {
	opts   TransportOptions
	logger *logrus.Logger
	p      *Peripheral
}

var (
	_ device.Transport      = (*Transport)(nil)
	_ device.Peripheral     = (*Peripheral)(nil)
	_ device.Link           = (*Link)(nil)
	_ device.Service        = (*service)(nil)
	_ device.Characteristic = (*characteristic)(nil)
)

// NewTransport creates the virtual transport. Zero option fields take their defaults.
func NewTransport(opts TransportOptions, logger *logrus.Logger) *Transport {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	t := &Transport{opts: opts, logger: logger}
	t.p = &Peripheral{t: t}
	return t
}

// Peripheral returns the single virtual device.
func (t *Transport) Peripheral() *Peripheral { return t.p }

// RequestDevice answers immediately: the virtual device either matches or it does not.
func (t *Transport) RequestDevice(ctx context.Context, opts *device.RequestOptions) (device.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, device.NormalizeError(err)
	}
	if !opts.Matches(t.opts.Name, []string{session.NUSService}) {
		return nil, device.ErrNothingMatched
	}
	return t.p, nil
}

func (t *Transport) Lookup(ctx context.Context, address string) (device.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, device.NormalizeError(err)
	}
	if device.NormalizeAddress(address) != device.NormalizeAddress(t.opts.Address) {
		return nil, fmt.Errorf("%w: %s", device.ErrNothingMatched, address)
	}
	return t.p, nil
}

// Peripheral is the virtual sensor.
type Peripheral struct {
	t *Transport

	mu   sync.Mutex
	link *Link
}

func (p *Peripheral) ID() string      { return device.NormalizeAddress(p.t.opts.Address) }
func (p *Peripheral) Name() string    { return p.t.opts.Name }
func (p *Peripheral) Address() string { return device.NormalizeAddress(p.t.opts.Address) }

// Connect opens a fresh link. A previous link still open is dropped first.
func (p *Peripheral) Connect(ctx context.Context) (device.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, device.NormalizeError(err)
	}

	l := newLink(p.t)
	p.mu.Lock()
	prev := p.link
	p.link = l
	p.mu.Unlock()
	if prev != nil {
		prev.drop()
	}

	p.t.logger.WithField("address", p.Address()).Debug("Virtual sensor connected")
	return l, nil
}

// Link returns the most recent link, or nil before the first Connect.
func (p *Peripheral) Link() *Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

// Link is one virtual connection.
type Link struct {
	t         *Transport
	connected atomic.Bool
	done      chan struct{}
	once      sync.Once
	svc       *service
}

func newLink(t *Transport) *Link {
	l := &Link{t: t, done: make(chan struct{})}
	l.connected.Store(true)
	l.svc = &service{
		uuid: session.NUSService,
		rx:   &characteristic{uuid: session.NUSRX, props: device.PropWrite | device.PropWriteNR},
		tx:   &characteristic{uuid: session.NUSTX, props: device.PropNotify, link: l},
	}
	return l
}

func (l *Link) Connected() bool { return l.connected.Load() }

func (l *Link) GetPrimaryService(_ context.Context, uuid string) (device.Service, error) {
	if !l.Connected() {
		return nil, device.ErrNotConnected
	}
	if device.EqualUUID(uuid, l.svc.uuid) {
		return l.svc, nil
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
}

// Disconnect stops the stream and closes Disconnected. Further calls are no-ops.
func (l *Link) Disconnect() error {
	l.drop()
	return nil
}

func (l *Link) Disconnected() <-chan struct{} { return l.done }

// Drop simulates the sensor going out of range.
func (l *Link) Drop() {
	l.t.logger.Debug("Virtual sensor link dropped")
	l.drop()
}

// Stats returns the TX counters of this link.
func (l *Link) Stats() Stats { return l.svc.tx.stats() }

func (l *Link) drop() {
	l.once.Do(func() {
		l.connected.Store(false)
		l.svc.tx.stop()
		close(l.done)
	})
}

type service struct {
	uuid string
	rx   *characteristic
	tx   *characteristic
}

func (s *service) UUID() string { return s.uuid }

func (s *service) GetCharacteristic(_ context.Context, uuid string) (device.Characteristic, error) {
	for _, c := range []*characteristic{s.rx, s.tx} {
		if device.EqualUUID(uuid, c.uuid) {
			return c, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{s.uuid, uuid}}
}

func (s *service) GetCharacteristics(context.Context) ([]device.Characteristic, error) {
	return []device.Characteristic{s.rx, s.tx}, nil
}

// characteristic streams walk records through a byte ring when it is the TX one.
type characteristic struct {
	uuid  string
	props int
	link  *Link

	mu     sync.Mutex
	walk   *Handle
	cancel context.CancelFunc

	records       atomic.Uint64
	notifications atomic.Uint64
	dropped       atomic.Uint64
}

func (c *characteristic) UUID() string                     { return c.uuid }
func (c *characteristic) GetProperties() device.Properties { return device.NewProperties(c.props) }

// StartNotifications starts a walk whose CSV lines are split into ChunkSize notifications.
// Restarting replaces the previous handler.
func (c *characteristic) StartNotifications(handler func([]byte)) error {
	if c.props&device.PropNotify == 0 {
		return errors.New("notify not supported")
	}
	if !c.link.Connected() {
		return device.ErrNotConnected
	}
	c.stop()

	opts := c.link.t.opts
	logger := c.link.t.logger
	ring := ringbuffer.New(opts.BufferSize)
	wake := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())

	groutine.GoSafe(ctx, "sim-notify-pump", logger, func(ctx context.Context) {
		buf := make([]byte, opts.ChunkSize)
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			for ctx.Err() == nil {
				n, err := ring.TryRead(buf)
				if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
					break
				}
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				c.notifications.Add(1)
				handler(chunk)
			}
		}
	})

	walk := Start(ctx, func(p sample.Payload) {
		line := p.AppendCSV(make([]byte, 0, 32))
		written, err := ring.Write(line)
		if err != nil && !overflow(err) {
			logger.WithError(err).Warn("Simulator ring write failed")
			return
		}
		if written < len(line) {
			c.dropped.Add(uint64(len(line) - written))
			logger.WithFields(logrus.Fields{
				"dropped":  len(line) - written,
				"capacity": ring.Capacity(),
			}).Warn("Simulator ring overflow")
		}
		c.records.Add(1)
		select {
		case wake <- struct{}{}:
		default:
		}
	}, opts.Walk)

	c.mu.Lock()
	c.walk = walk
	c.cancel = cancel
	c.mu.Unlock()
	return nil
}

// overflow reports a full or partial ring write.
func overflow(err error) bool {
	return errors.Is(err, ringbuffer.ErrIsFull) || errors.Is(err, ringbuffer.ErrTooMuchDataToWrite)
}

func (c *characteristic) StopNotifications() error {
	c.stop()
	return nil
}

func (c *characteristic) stop() {
	c.mu.Lock()
	walk, cancel := c.walk, c.cancel
	c.walk, c.cancel = nil, nil
	c.mu.Unlock()

	if walk != nil {
		walk.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *characteristic) stats() Stats {
	return Stats{
		Records:       c.records.Load(),
		Notifications: c.notifications.Load(),
		DroppedBytes:  c.dropped.Load(),
	}
}
