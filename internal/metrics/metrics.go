// Package metrics exports the aggregation engine state as Prometheus gauges.
package metrics

import (
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/srg/databloom/internal/store"
)

const namespace = "databloom"

// Exporter holds the gauges and the registry they live in.
type Exporter struct {
	registry *prometheus.Registry

	dropCount     prometheus.Gauge
	sampleRate    prometheus.Gauge
	silence       prometheus.Gauge
	connected     prometheus.Gauge
	rawSamples    prometheus.Gauge
	minuteBuckets prometheus.Gauge
	moisture      prometheus.Gauge
	tempC         prometheus.Gauge
	light         prometheus.Gauge
	updates       prometheus.Counter

	mu     sync.Mutex
	detach func()
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// NewExporter creates the gauges and registers them on a private registry.
func NewExporter() (*Exporter, error) {
	e := &Exporter{
		registry:      prometheus.NewRegistry(),
		dropCount:     gauge("drop_count", "Records lost according to sequence gaps"),
		sampleRate:    gauge("sample_rate_hz", "Arrival rate over the recent window"),
		silence:       gauge("silence_seconds", "Seconds since the last record; +Inf when unknown"),
		connected:     gauge("connected", "1 while the sensor link is up"),
		rawSamples:    gauge("raw_samples", "Records held in the raw ring"),
		minuteBuckets: gauge("minute_buckets", "Finalized minute buckets held"),
		moisture:      gauge("last_moisture_raw", "Moisture of the last record"),
		tempC:         gauge("last_temp_c", "Temperature of the last record in Celsius"),
		light:         gauge("last_light_raw", "Light level of the last record"),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_updates_total",
			Help:      "Snapshots observed by the exporter",
		}),
	}

	for _, c := range []prometheus.Collector{
		e.dropCount, e.sampleRate, e.silence, e.connected, e.rawSamples,
		e.minuteBuckets, e.moisture, e.tempC, e.light, e.updates,
	} {
		if err := e.registry.Register(c); err != nil {
			return nil, err
		}
	}
	e.silence.Set(math.Inf(1))
	return e, nil
}

// Registry returns the registry the gauges are registered on.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Observe copies snap into the gauges. The last_* gauges keep their value until a record arrives.
func (e *Exporter) Observe(snap *store.Snapshot) {
	if snap == nil {
		return
	}
	e.updates.Inc()
	e.dropCount.Set(float64(snap.DropCount))
	e.sampleRate.Set(snap.Hz)
	e.rawSamples.Set(float64(len(snap.RawSamples)))
	e.minuteBuckets.Set(float64(len(snap.MinuteBuckets)))

	if snap.SilenceKnown() {
		e.silence.Set(snap.Silence.Seconds())
	} else {
		e.silence.Set(math.Inf(1))
	}

	if snap.Connection == store.Connected {
		e.connected.Set(1)
	} else {
		e.connected.Set(0)
	}

	if s := snap.LastSample; s != nil {
		e.moisture.Set(s.MoistureRaw)
		e.tempC.Set(s.TempC)
		e.light.Set(s.LightRaw)
	}
}

// Attach follows st through its hub until Detach. Attaching again replaces the previous store.
func (e *Exporter) Attach(st *store.Store) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detach != nil {
		e.detach()
	}
	e.Observe(st.Snapshot())
	e.detach = st.Subscribe(func() { e.Observe(st.Snapshot()) })
}

func (e *Exporter) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detach != nil {
		e.detach()
		e.detach = nil
	}
}
