// Package simulator produces synthetic soil-sensor records: a bounded random walk emitted
// at 2-5 Hz, and a virtual NUS peripheral that streams the same walk as CSV notifications.
package simulator

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/databloom/internal/sample"
)

// Walk bounds.
const (
	MoistureMin = 0
	MoistureMax = 1023
	TempMin     = -10
	TempMax     = 50
	LightMin    = 0
	LightMax    = 255
)

// Options configures the walk cadence. Seed 0 picks a random seed.
type Options struct {
	MinHz float64 `default:"2"`
	MaxHz float64 `default:"5"`
	Seed  uint64
}

// Walk is the record generator. Not safe for concurrent use.
type Walk struct {
	rng   *rand.Rand
	cur   sample.Payload
	minHz float64
	maxHz float64
}

// NewWalk starts a walk at moisture 600, 22 °C, light 120 with a random sequence number.
func NewWalk(opts Options) *Walk {
	defaults.SetDefaults(&opts)
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	return &Walk{
		rng: rng,
		cur: sample.Payload{
			Seq:         uint16(rng.IntN(sample.SeqModulus)),
			MoistureRaw: 600,
			TempC:       22,
			LightRaw:    120,
		},
		minHz: opts.MinHz,
		maxHz: opts.MaxHz,
	}
}

// Next advances every channel by one step and returns the new record.
func (w *Walk) Next() sample.Payload {
	w.cur.Seq++
	w.cur.MoistureRaw = math.Round(clamp(w.cur.MoistureRaw+w.jitter(50), MoistureMin, MoistureMax))
	w.cur.TempC = math.Round(clamp(w.cur.TempC+w.jitter(0.5), TempMin, TempMax)*10) / 10
	w.cur.LightRaw = math.Round(clamp(w.cur.LightRaw+w.jitter(20), LightMin, LightMax))
	return w.cur
}

// Interval draws the delay before the next record.
func (w *Walk) Interval() time.Duration {
	hz := w.minHz + w.rng.Float64()*(w.maxHz-w.minHz)
	if hz <= 0 {
		hz = 1
	}
	return time.Duration(float64(time.Second) / hz)
}

// jitter returns a value in [-span/2, span/2).
func (w *Walk) jitter(span float64) float64 {
	return (w.rng.Float64() - 0.5) * span
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Handle controls a running walk.
type Handle struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	release func() bool
}

// Start emits the first record synchronously, then one per random interval until Stop
// is called or ctx is done. onSample runs on timer goroutines, one call at a time.
func Start(ctx context.Context, onSample func(sample.Payload), opts Options) *Handle {
	w := NewWalk(opts)
	h := &Handle{}

	var tick func()
	tick = func() {
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			return
		}
		p := w.Next()
		next := w.Interval()
		h.mu.Unlock()

		onSample(p)

		h.mu.Lock()
		if !h.stopped {
			h.timer = time.AfterFunc(next, tick)
		}
		h.mu.Unlock()
	}

	h.mu.Lock()
	h.release = context.AfterFunc(ctx, h.Stop)
	h.mu.Unlock()
	tick()
	return h
}

// Stop cancels the pending tick. A callback already running completes. Safe to call twice.
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
	if h.release != nil {
		h.release()
	}
}

// Stopped reports whether Stop has been called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}
