// Package session owns the lifecycle of one connection to a soil sensor: discovery with
// fallback strategies, UART profile negotiation, the notification subscription and reconnects.
//
// A Session depends only on device.Transport, so the go-ble transport, the simulator's
// virtual peripheral and test fakes are interchangeable.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/device"
	"github.com/srg/databloom/internal/frame"
	"github.com/srg/databloom/internal/groutine"
	"github.com/srg/databloom/internal/sample"
)

// State is the lifecycle phase of a Session.
type State string

const (
	StateIdle         State = "idle"
	StateDiscovering  State = "discovering"
	StateConnecting   State = "connecting"
	StateSubscribing  State = "subscribing"
	StateActive       State = "active"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

var (
	// ErrNoDevice is returned by Reconnect before any device was selected.
	ErrNoDevice = errors.New("no cached device to reconnect to")
	// ErrNotSensor is returned by ConnectBroad when the chosen device has a foreign name.
	ErrNotSensor = errors.New("selected device is not a micro:bit")
)

// Callbacks are invoked outside the session lock, except OnStateChange which must not call
// back into the Session. OnSample runs on the transport's notification goroutine.
type Callbacks struct {
	OnSample       func(sample.Payload)
	OnConnected    func(device.Peripheral)
	OnDisconnected func(device.Peripheral)
	OnError        func(error)
	OnStateChange  func(State)
}

type Options struct {
	ScanTimeout    time.Duration `default:"10s"`
	ConnectTimeout time.Duration `default:"30s"`
}

// Session is safe for concurrent use; lifecycle calls are serialised.
type Session struct {
	transport device.Transport
	opts      Options
	cb        Callbacks
	logger    *logrus.Logger
	decoder   *frame.Decoder

	mu         sync.Mutex
	peripheral device.Peripheral
	h          *handle

	state atomic.Value // State
}

// handle is one live subscription. It is never reused across reconnects.
type handle struct {
	link    device.Link
	char    device.Characteristic
	profile Profile
	closed  atomic.Bool
	stop    context.CancelFunc
}

// New creates an idle session. Zero option fields take their defaults.
func New(transport device.Transport, opts Options, cb Callbacks, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)

	s := &Session{
		transport: transport,
		opts:      opts,
		cb:        cb,
		logger:    logger,
	}
	s.decoder = frame.NewDecoder(s.forward, logger)
	s.state.Store(StateIdle)
	return s
}

func (s *Session) State() State { return s.state.Load().(State) }

// Peripheral returns the device selected by the last successful discovery, or nil.
func (s *Session) Peripheral() device.Peripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peripheral
}

// Profile returns the negotiated profile while active.
func (s *Session) Profile() (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return Profile{}, false
	}
	return s.h.profile, true
}

// Decoder exposes the frame decoder counters.
func (s *Session) Decoder() *frame.Decoder { return s.decoder }

// Connect discovers a sensor with the fallback strategies and subscribes to it.
func (s *Session) Connect(ctx context.Context) error {
	return s.run(ctx, func() (device.Peripheral, error) {
		s.setState(StateDiscovering)
		return discover(ctx, s.transport, s.opts.ScanTimeout, s.logger)
	})
}

// Discover runs the discovery strategies and caches the selected device without connecting.
func (s *Session) Discover(ctx context.Context) (device.Peripheral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h != nil {
		return nil, device.ErrAlreadyConnected
	}
	s.setState(StateDiscovering)
	p, err := discover(ctx, s.transport, s.opts.ScanTimeout, s.logger)
	if err != nil {
		s.fail()
		return nil, err
	}
	s.peripheral = p
	s.setState(StateIdle)
	return p, nil
}

// ConnectBroad accepts any advertising device, then insists on a sensor name.
func (s *Session) ConnectBroad(ctx context.Context) error {
	return s.run(ctx, func() (device.Peripheral, error) {
		s.setState(StateDiscovering)
		p, err := s.transport.RequestDevice(ctx, anyRequest(s.opts.ScanTimeout))
		if err != nil {
			return nil, err
		}
		if !IsSensorName(p.Name()) {
			name := p.Name()
			if name == "" {
				name = "Unnamed"
			}
			return nil, fmt.Errorf("%w: %q", ErrNotSensor, name)
		}
		return p, nil
	})
}

// ConnectAddress connects to a previously seen device without discovery.
func (s *Session) ConnectAddress(ctx context.Context, address string) error {
	return s.run(ctx, func() (device.Peripheral, error) {
		s.setState(StateDiscovering)
		lookupCtx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
		defer cancel()
		return s.transport.Lookup(lookupCtx, address)
	})
}

// ConnectPeripheral subscribes to an already selected device.
func (s *Session) ConnectPeripheral(ctx context.Context, p device.Peripheral) error {
	return s.run(ctx, func() (device.Peripheral, error) { return p, nil })
}

// Reconnect tears down the current link, if any, and subscribes again to the same device.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	p := s.peripheral
	if p == nil {
		s.mu.Unlock()
		return ErrNoDevice
	}
	if h := s.h; h != nil {
		s.h = nil
		if err := s.teardown(h); err != nil {
			s.logger.WithError(err).Warn("Disconnect before reconnect failed")
		}
	}
	s.mu.Unlock()

	return s.run(ctx, func() (device.Peripheral, error) { return p, nil })
}

// Disconnect stops notifications and drops the link. The state ends up idle whatever happens;
// the returned error is the link's own disconnect failure.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	h := s.h
	s.h = nil
	var err error
	if h != nil {
		err = s.teardown(h)
	}
	s.setState(StateIdle)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// run selects a peripheral with pick and establishes the subscription.
func (s *Session) run(ctx context.Context, pick func() (device.Peripheral, error)) error {
	s.mu.Lock()
	if s.h != nil {
		s.mu.Unlock()
		return device.ErrAlreadyConnected
	}

	p, err := pick()
	if err == nil {
		s.peripheral = p
		err = s.establish(ctx, p)
	}
	if err != nil {
		s.decoder.Reset()
		s.fail()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.WithError(err).Debug("Session failed")
		if !errors.Is(err, device.ErrCancelled) && s.cb.OnError != nil {
			s.cb.OnError(err)
		}
		return err
	}
	if s.cb.OnConnected != nil {
		s.cb.OnConnected(p)
	}
	return nil
}

// establish connects, negotiates and subscribes. Called with s.mu held.
func (s *Session) establish(ctx context.Context, p device.Peripheral) error {
	s.setState(StateConnecting)
	s.logger.WithFields(logrus.Fields{
		"name":    p.Name(),
		"address": p.Address(),
	}).Info("Connecting to sensor...")

	connCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	link, err := p.Connect(connCtx)
	if err != nil {
		return fmt.Errorf("failed to connect to %q: %w", p.Address(), device.NormalizeError(err))
	}

	profile, char, err := negotiate(connCtx, link, s.logger)
	if err != nil {
		s.dropLink(link)
		return err
	}

	s.setState(StateSubscribing)
	h := &handle{link: link, char: char, profile: profile}
	if err := char.StartNotifications(func(data []byte) {
		if h.closed.Load() {
			return
		}
		_, _ = s.decoder.Write(data)
	}); err != nil {
		s.dropLink(link)
		return device.NormalizeNotifyError(err)
	}

	watchCtx, stop := context.WithCancel(context.Background())
	h.stop = stop
	groutine.Go(watchCtx, "session-link-watch", func(ctx context.Context) {
		select {
		case <-link.Disconnected():
			s.linkLost(h)
		case <-ctx.Done():
		}
	})

	s.h = h
	s.setState(StateActive)
	s.logger.WithFields(logrus.Fields{
		"profile":        profile.Name,
		"characteristic": char.UUID(),
	}).Info("Notifications started")
	return nil
}

func (s *Session) dropLink(link device.Link) {
	if err := link.Disconnect(); err != nil {
		s.logger.WithError(err).Debug("Disconnect after failed setup returned error")
	}
}

// linkLost handles a transport-reported disconnect. Events from superseded handles are ignored.
func (s *Session) linkLost(h *handle) {
	s.mu.Lock()
	if s.h != h {
		s.mu.Unlock()
		return
	}
	s.h = nil
	h.close()
	if err := h.char.StopNotifications(); err != nil {
		s.logger.WithError(err).Debug("Stop notifications on lost link failed")
	}
	s.decoder.Reset()
	s.setState(StateDisconnected)
	p := s.peripheral
	s.mu.Unlock()

	s.logger.WithField("address", p.Address()).Warn("Sensor disconnected")
	if s.cb.OnDisconnected != nil {
		s.cb.OnDisconnected(p)
	}
}

// teardown releases everything h holds and disconnects its link. Called with s.mu held.
func (s *Session) teardown(h *handle) error {
	h.close()
	if err := h.char.StopNotifications(); err != nil {
		s.logger.WithError(err).Debug("Stop notifications failed")
	}
	s.decoder.Reset()
	return h.link.Disconnect()
}

func (h *handle) close() {
	if h.closed.CompareAndSwap(false, true) && h.stop != nil {
		h.stop()
	}
}

func (s *Session) forward(p sample.Payload) {
	if s.cb.OnSample != nil {
		s.cb.OnSample(p)
	}
}

// fail reports StateError to listeners and leaves the session idle for the next attempt.
func (s *Session) fail() {
	s.setState(StateError)
	s.setState(StateIdle)
}

func (s *Session) setState(st State) {
	if prev := s.state.Swap(st); prev == st {
		return
	}
	s.logger.WithField("state", string(st)).Debug("Session state changed")
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(st)
	}
}
