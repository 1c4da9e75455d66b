// Package monitor wires a sensor session, the simulator and any record sinks into one
// aggregation store, and keeps the link alive with a silence watchdog.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/device"
	"github.com/srg/databloom/internal/groutine"
	"github.com/srg/databloom/internal/sample"
	"github.com/srg/databloom/internal/session"
	"github.com/srg/databloom/internal/simulator"
	"github.com/srg/databloom/internal/store"
	"github.com/srg/databloom/pkg/config"
)

// ErrSimulatorRunning is returned by Connect while the simulator feeds the store.
var ErrSimulatorRunning = errors.New("simulator is running; stop it before connecting")

// Sink receives every record the store ingests, after the store has it.
type Sink func(sample.Payload)

// Monitor is safe for concurrent use.
type Monitor struct {
	cfg     *config.Config
	logger  *logrus.Logger
	store   *store.Store
	session *session.Session
	now     func() time.Time

	mu          sync.Mutex
	sinks       []Sink
	lastErr     error
	lastAttempt time.Time
	stop        context.CancelFunc
	closed      bool

	simMu sync.Mutex
	sim   *simulator.Handle

	reconnecting atomic.Bool
	linkLost     atomic.Bool // set on an unexpected disconnect until the link is back
	attempts     atomic.Uint64
	onState      atomic.Pointer[func(session.State)]
}

// New builds the session over transport with callbacks that feed st.
func New(cfg *config.Config, transport device.Transport, st *store.Store, logger *logrus.Logger) *Monitor {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	m := &Monitor{
		cfg:    cfg,
		logger: logger,
		store:  st,
		now:    time.Now,
	}
	m.session = session.New(transport, session.Options{
		ScanTimeout:    cfg.ScanTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	}, session.Callbacks{
		OnSample:       m.ingest,
		OnConnected:    m.connected,
		OnDisconnected: m.disconnected,
		OnError:        m.failed,
		OnStateChange: func(st session.State) {
			if fn := m.onState.Load(); fn != nil {
				(*fn)(st)
			}
		},
	}, logger)
	return m
}

func (m *Monitor) Store() *store.Store       { return m.store }
func (m *Monitor) Session() *session.Session { return m.session }

// AddSink registers fn for every ingested record, live or simulated.
func (m *Monitor) AddSink(fn Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, fn)
}

// OnStateChange sets a listener for session phases, replacing any previous one. The
// listener runs under the session lock and must not call back into the Monitor.
func (m *Monitor) OnStateChange(fn func(session.State)) {
	if fn == nil {
		m.onState.Store(nil)
		return
	}
	m.onState.Store(&fn)
}

// LastError returns the last session error, or nil.
func (m *Monitor) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// ReconnectAttempts counts watchdog-initiated reconnects.
func (m *Monitor) ReconnectAttempts() uint64 { return m.attempts.Load() }

// Start runs the store silence checker and the reconnect watchdog until ctx is done or Close.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.stop = cancel
	m.mu.Unlock()

	m.store.Start(ctx)
	if !m.cfg.Reconnect.Enabled {
		return
	}
	groutine.Go(ctx, "monitor-watchdog", func(ctx context.Context) {
		ticker := time.NewTicker(m.cfg.Reconnect.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckReconnect(ctx)
			}
		}
	})
}

// Connect connects to the remembered device when there is one, falling back to
// discovery when it is not around.
func (m *Monitor) Connect(ctx context.Context) error {
	if m.store.Snapshot().UsingSimulator {
		return ErrSimulatorRunning
	}
	if m.session.State() == session.StateActive {
		return device.ErrAlreadyConnected
	}
	m.store.SetConnection(store.Connecting)

	err := m.connect(ctx)
	if err != nil {
		m.store.SetConnection(store.Disconnected)
		return err
	}
	return nil
}

func (m *Monitor) connect(ctx context.Context) error {
	m.mu.Lock()
	addr := m.cfg.Device.Address
	m.mu.Unlock()

	if addr == "" {
		return m.session.Connect(ctx)
	}

	err := m.session.ConnectAddress(ctx, addr)
	if err == nil || !errors.Is(err, device.ErrNothingMatched) {
		return err
	}
	m.logger.WithField("address", addr).Info("Remembered sensor not found, discovering")
	return m.session.Connect(ctx)
}

// Disconnect drops the link. The store reports disconnected whatever the link returned.
func (m *Monitor) Disconnect() error {
	m.linkLost.Store(false)
	err := m.session.Disconnect()
	m.store.SetConnection(store.Disconnected)
	return err
}

// CheckReconnect starts a background reconnect when the simulator is off, the store has
// been silent for the threshold and the previous attempt is old enough. The link must be up,
// or lost without a Disconnect call. It reports whether an attempt was started.
func (m *Monitor) CheckReconnect(ctx context.Context) bool {
	snap := m.store.Snapshot()
	if snap.UsingSimulator {
		return false
	}
	switch snap.Connection {
	case store.Connected:
	case store.Disconnected:
		if !m.linkLost.Load() || m.session.Peripheral() == nil {
			return false
		}
	default:
		return false
	}
	// infinite silence counts
	if snap.Silence < m.cfg.Reconnect.SilenceThreshold {
		return false
	}

	now := m.now()
	m.mu.Lock()
	if m.closed || now.Sub(m.lastAttempt) < m.cfg.Reconnect.MinInterval {
		m.mu.Unlock()
		return false
	}
	if !m.reconnecting.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return false
	}
	m.lastAttempt = now
	m.mu.Unlock()

	m.attempts.Add(1)
	m.logger.WithField("silence", snap.Silence.String()).Info("Attempting auto reconnect after silence")
	m.store.SetConnection(store.Connecting)

	groutine.Go(ctx, "monitor-reconnect", func(ctx context.Context) {
		defer m.reconnecting.Store(false)
		if err := m.session.Reconnect(ctx); err != nil {
			m.logger.WithError(err).Warn("Auto reconnect failed")
			if !errors.Is(err, device.ErrCancelled) {
				m.linkLost.Store(true)
			}
			m.store.SetConnection(store.Disconnected)
		}
	})
	return true
}

// StartSimulator clears the store and feeds it synthetic records. The store reports
// connected while the simulator runs. A running simulator is left alone.
func (m *Monitor) StartSimulator(ctx context.Context, opts simulator.Options) {
	m.simMu.Lock()
	defer m.simMu.Unlock()
	if m.sim != nil || m.isClosed() {
		return
	}

	m.store.ResetData()
	m.store.SetUsingSimulator(true)
	m.store.SetConnection(store.Connected)
	m.sim = simulator.Start(ctx, m.ingest, opts)
	m.logger.Info("Simulator running (2-5 Hz)")
}

// SimulatorRunning reports whether StartSimulator is in effect.
func (m *Monitor) SimulatorRunning() bool {
	m.simMu.Lock()
	defer m.simMu.Unlock()
	return m.sim != nil
}

// StopSimulator stops the simulator and clears its data.
func (m *Monitor) StopSimulator() {
	m.simMu.Lock()
	defer m.simMu.Unlock()
	if m.sim == nil {
		return
	}

	m.sim.Stop()
	m.sim = nil
	m.store.SetUsingSimulator(false)
	m.store.SetConnection(store.Disconnected)
	m.store.ResetData()
}

func (m *Monitor) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops the watchdog, the simulator and the session, then the store. Safe to call twice.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stop := m.stop
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.StopSimulator()

	var err error
	if derr := m.session.Disconnect(); derr != nil {
		err = fmt.Errorf("closing session: %w", derr)
	}
	m.store.SetConnection(store.Disconnected)
	m.store.Close()
	return err
}

func (m *Monitor) ingest(p sample.Payload) {
	m.store.Ingest(p)

	m.mu.Lock()
	sinks := m.sinks
	m.mu.Unlock()
	for _, fn := range sinks {
		fn(p)
	}
}

func (m *Monitor) connected(p device.Peripheral) {
	m.linkLost.Store(false)
	m.mu.Lock()
	m.lastErr = nil
	m.cfg.Device.Address = p.Address()
	m.cfg.Device.Name = p.Name()
	m.mu.Unlock()

	m.store.SetConnection(store.Connected)
	m.store.SetPermissionGranted(true)
	m.logger.WithFields(logrus.Fields{
		"name":    p.Name(),
		"address": p.Address(),
	}).Info("Sensor connected")
}

func (m *Monitor) disconnected(device.Peripheral) {
	m.linkLost.Store(true)
	m.store.SetConnection(store.Disconnected)
}

func (m *Monitor) failed(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.logger.WithError(err).Warn("Session error")
}
