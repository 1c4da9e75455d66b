package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/databloom/internal/calibration"
	"github.com/srg/databloom/internal/device"
	"github.com/srg/databloom/internal/device/goble"
	"github.com/srg/databloom/internal/hub"
	"github.com/srg/databloom/internal/metrics"
	"github.com/srg/databloom/internal/mirror"
	"github.com/srg/databloom/internal/monitor"
	"github.com/srg/databloom/internal/simulator"
	"github.com/srg/databloom/internal/store"
	"github.com/srg/databloom/internal/window"
	"github.com/srg/databloom/pkg/config"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream and aggregate sensor readings",
	Long: `Connect to the micro:bit soil sensor and show its readings live.

The last successfully connected device is remembered in the config file and tried
first on the next run. While connected, a watchdog reconnects after 5 seconds of
silence. Use --simulate to feed the aggregator with synthetic readings, or --virtual
to run the whole BLE path against a virtual peripheral.`,
	Example: `  databloom monitor
  databloom monitor --simulate --window 15m
  databloom monitor --json --duration 30s
  databloom monitor --mirror --mirror-link /tmp/databloom --metrics-addr :9273`,
	RunE: runMonitor,
}

var (
	monitorSimulate    bool
	monitorVirtual     bool
	monitorJSON        bool
	monitorWindow      string
	monitorDuration    time.Duration
	monitorAddress     string
	monitorMetricsAddr string
	monitorMirror      bool
	monitorMirrorLink  string
	monitorNoReconnect bool
	monitorSeed        uint64
)

// newTransport is replaced in tests.
var newTransport = func(logger *logrus.Logger) device.Transport {
	return goble.NewTransport(logger)
}

func init() {
	f := monitorCmd.Flags()
	f.BoolVar(&monitorSimulate, "simulate", false, "Feed synthetic readings instead of connecting")
	f.BoolVar(&monitorVirtual, "virtual", false, "Connect to a virtual NUS peripheral instead of real hardware")
	f.BoolVar(&monitorJSON, "json", false, "Print one JSON status document per update")
	f.StringVarP(&monitorWindow, "window", "w", string(window.FiveMinutes), fmt.Sprintf("Summary window %v", window.Names()))
	f.DurationVarP(&monitorDuration, "duration", "d", 0, "Stop after this long (0 runs until Ctrl+C)")
	f.StringVarP(&monitorAddress, "address", "a", "", "Connect to this address instead of the remembered device")
	f.StringVar(&monitorMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9273")
	f.BoolVar(&monitorMirror, "mirror", false, "Mirror records onto a pseudo-terminal")
	f.StringVar(&monitorMirrorLink, "mirror-link", "", "Symlink to create for the mirror PTY")
	f.BoolVar(&monitorNoReconnect, "no-reconnect", false, "Exit instead of reconnecting when the sensor goes silent")
	f.Uint64Var(&monitorSeed, "seed", 0, "Simulator seed (0 picks one)")
	f.Bool("verbose", false, "Enable debug logging")
}

// statusRecord is one --json line.
type statusRecord struct {
	Time            time.Time       `json:"time"`
	Snapshot        *store.Snapshot `json:"snapshot"`
	MoisturePercent *float64        `json:"moisture_percent"`
	Window          window.Window   `json:"window"`
	WindowPoints    int             `json:"window_points"`
}

func newStatusRecord(snap *store.Snapshot, cal calibration.Points, w window.Window) statusRecord {
	rec := statusRecord{
		Time:         time.Now(),
		Snapshot:     snap,
		Window:       w,
		WindowPoints: window.Select(snap, w).Len(),
	}
	if snap.LastSample != nil {
		if pct, ok := cal.Percent(snap.LastSample.MoistureRaw); ok {
			rec.MoisturePercent = &pct
		}
	}
	return rec
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	win, err := window.Parse(monitorWindow)
	if err != nil {
		return err
	}
	if monitorSimulate && monitorVirtual {
		return fmt.Errorf("--simulate and --virtual are mutually exclusive")
	}
	applyMonitorFlags(cfg)

	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if monitorDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, monitorDuration)
		defer cancel()
	}

	st := store.New(cfg.StoreOptions(), logger)
	var transport device.Transport
	if monitorVirtual {
		transport = simulator.NewTransport(simulator.TransportOptions{
			Walk: simulator.Options{Seed: monitorSeed},
		}, logger)
	} else {
		transport = newTransport(logger)
	}
	mon := monitor.New(cfg, transport, st, logger)
	defer func() {
		if err := mon.Close(); err != nil {
			logger.WithError(err).Warn("Monitor close failed")
		}
	}()

	if cfg.MetricsAddr != "" {
		srv, err := startMetrics(ctx, cfg.MetricsAddr, st, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
		fmt.Fprintf(cmd.ErrOrStderr(), "Serving metrics on http://%s/metrics\n", srv.Addr())
	}

	if monitorMirror {
		m, err := mirror.Open(mirror.Options{Link: cfg.Mirror.Link, BufferSize: cfg.Mirror.BufferSize}, logger)
		if err != nil {
			return err
		}
		defer func() { _ = m.Close() }()
		mon.AddSink(m.WriteSample)
		fmt.Fprintf(cmd.ErrOrStderr(), "Mirroring records on %s\n", m.Path())
	}

	finish, err := startOutput(ctx, out, st, cfg.Calibration, win, logger)
	if err != nil {
		return err
	}
	defer finish()

	mon.Start(ctx)
	if monitorSimulate {
		mon.StartSimulator(ctx, simulator.Options{Seed: monitorSeed})
	} else if err := connect(ctx, cmd.ErrOrStderr(), mon); err != nil {
		return err
	} else if !monitorVirtual {
		rememberDevice(cfgPath, cfg, logger)
	}

	lost := watchConnectionLoss(st, cfg.Reconnect.Enabled || monitorSimulate)
	select {
	case <-ctx.Done():
	case <-lost:
		return ErrConnectionLost
	}

	if !monitorJSON {
		finish()
		snap := st.Snapshot()
		fmt.Fprintf(out, "Holding %d samples in %d minute buckets, %d dropped\n",
			len(snap.RawSamples), len(snap.MinuteBuckets), snap.DropCount)
	}
	return nil
}

func applyMonitorFlags(cfg *config.Config) {
	if monitorAddress != "" {
		cfg.Device.Address = monitorAddress
	}
	if monitorMetricsAddr != "" {
		cfg.MetricsAddr = monitorMetricsAddr
	}
	if monitorMirrorLink != "" {
		cfg.Mirror.Link = monitorMirrorLink
	}
	if monitorNoReconnect {
		cfg.Reconnect.Enabled = false
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func startMetrics(ctx context.Context, addr string, st *store.Store, logger *logrus.Logger) (*metrics.Server, error) {
	exporter, err := metrics.NewExporter()
	if err != nil {
		return nil, err
	}
	exporter.Attach(st)
	srv := metrics.NewServer(addr, exporter, logger)
	if err := srv.Start(ctx); err != nil {
		exporter.Detach()
		return nil, err
	}
	return srv, nil
}

// startOutput renders snapshots as JSON lines through a collector, or as a status line.
// The returned func stops the output and is safe to call twice.
func startOutput(ctx context.Context, out io.Writer, st *store.Store, cal calibration.Points, win window.Window, logger *logrus.Logger) (func(), error) {
	if monitorJSON {
		enc := json.NewEncoder(out)
		collector, err := hub.NewCollector(st.Hub(), 256, func(snap *store.Snapshot) error {
			return enc.Encode(newStatusRecord(snap, cal, win))
		}, logger)
		if err != nil {
			return nil, err
		}
		collector.Start(ctx)
		return collector.Stop, nil
	}

	renderer := newStatusRenderer(cal, win, isTerminal(out))
	w := &statusWriter{out: out, inline: isTerminal(out)}
	unsubscribe := st.Subscribe(func() {
		w.Write(renderer.Render(st.Snapshot()))
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			w.Finish()
		})
	}, nil
}

func connect(ctx context.Context, out io.Writer, mon *monitor.Monitor) error {
	progress := NewProgressPrinter(out, "Connecting to micro:bit", "discovering", "active", "error")
	progress.Start()
	mon.OnStateChange(progress.SessionCallback())
	defer func() {
		mon.OnStateChange(nil)
		progress.Stop()
	}()

	if err := mon.Connect(ctx); err != nil {
		return err
	}
	if p, ok := mon.Session().Profile(); ok {
		progress.Stop()
		fmt.Fprintf(out, "Connected to %s (%s)\n", mon.Session().Peripheral().Name(), p.Name)
	}
	return nil
}

// rememberDevice saves the connected device so the next run can skip discovery.
func rememberDevice(path string, cfg *config.Config, logger *logrus.Logger) {
	if path == "" {
		return
	}
	saved, err := config.LoadOrDefault(path)
	if err == nil && saved.Device == cfg.Device {
		return
	}
	if err == nil {
		saved.Device = cfg.Device
		err = saved.Save(path)
	}
	if err != nil {
		logger.WithError(err).Warn("Failed to remember device")
	}
}

// watchConnectionLoss closes the returned channel the first time a connected store goes
// disconnected. With tolerate set it never fires.
func watchConnectionLoss(st *store.Store, tolerate bool) <-chan struct{} {
	lost := make(chan struct{})
	if tolerate {
		return lost
	}
	var once sync.Once
	st.Subscribe(func() {
		if st.Snapshot().Connection == store.Disconnected {
			once.Do(func() { close(lost) })
		}
	})
	return lost
}
