// Package store is the aggregation engine for decoded sensor samples.
//
// A Store keeps a bounded ring of raw samples, a bounded history of finalized minute
// buckets plus one active bucket, the sequence drop count, an arrival-rate estimate and
// the silence since the last sample. Every mutation builds a new Snapshot and publishes
// it through a throttling hub; readers never lock.
package store

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/groutine"
	"github.com/srg/databloom/internal/hub"
	"github.com/srg/databloom/internal/sample"
)

// silenceResolution is the smallest silence change worth republishing.
const silenceResolution = 500 * time.Millisecond

// Options configures a Store. Zero fields take the tagged defaults.
type Options struct {
	RawCapacity          int           `default:"7200"`
	BucketCapacity       int           `default:"1440"`
	ArrivalWindow        int           `default:"20"`
	NotifyInterval       time.Duration `default:"200ms"`
	SilenceCheckInterval time.Duration `default:"1s"`

	// Now is the clock used to stamp samples and measure silence.
	Now func() time.Time
}

// DefaultOptions returns Options with every default applied.
func DefaultOptions() Options {
	var o Options
	defaults.SetDefaults(&o)
	o.Now = time.Now
	return o
}

// Store is safe for concurrent use; mutations are serialised internally.
type Store struct {
	opts   Options
	logger *logrus.Logger
	hub    *hub.Hub[Snapshot]

	mu       sync.Mutex
	snap     *Snapshot
	raw      []sample.Sample
	history  []MinuteBucket
	active   *MinuteBucket
	arrivals []time.Time
	seq      SeqTracker

	// pending is set when a snapshot was stored but subscribers are not yet notified.
	pending atomic.Bool
}

// New creates a store with an initial disconnected snapshot.
func New(opts Options, logger *logrus.Logger) *Store {
	defaults.SetDefaults(&opts)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logrus.New()
	}

	s := &Store{
		opts:   opts,
		logger: logger,
		hub:    hub.New[Snapshot](opts.NotifyInterval, logger),
		snap: &Snapshot{
			Connection: Disconnected,
			Silence:    SilenceInfinite,
		},
	}
	s.hub.Publish(s.snap)
	return s
}

// Options returns the effective options.
func (s *Store) Options() Options { return s.opts }

// Snapshot returns the latest published snapshot. Never nil.
func (s *Store) Snapshot() *Snapshot {
	return s.hub.Load()
}

// Subscribe registers fn to be called, throttled, after state changes.
// fn should read the state through Snapshot.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	return s.hub.Subscribe(fn)
}

// Hub exposes the publication hub, for collectors.
func (s *Store) Hub() *hub.Hub[Snapshot] { return s.hub }

// Close cancels a pending notification. The store stays readable.
func (s *Store) Close() {
	s.hub.Close()
}

// Run checks silence every SilenceCheckInterval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SilenceCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckSilence()
		}
	}
}

// Start runs Run on a named goroutine.
func (s *Store) Start(ctx context.Context) {
	groutine.Go(ctx, "store-silence", s.Run)
}

// ----------------------------------------------------------------------------
// Mutations
// ----------------------------------------------------------------------------

// Ingest stamps p with the current time and folds it into every buffer and counter.
func (s *Store) Ingest(p sample.Payload) sample.Sample {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	smp := sample.Sample{Payload: p, CapturedAt: s.opts.Now()}

	outcome, lost := s.seq.Observe(p.Seq)
	if lost > 0 {
		s.logger.WithFields(logrus.Fields{
			"seq":   p.Seq,
			"lost":  lost,
			"total": s.seq.Drops(),
		}).Debug("Sequence gap detected")
	} else if outcome == SeqReset || outcome == SeqDuplicate {
		s.logger.WithFields(logrus.Fields{
			"seq":     p.Seq,
			"outcome": outcome.String(),
		}).Debug("Sequence anomaly ignored")
	}

	s.raw = appendBounded(s.raw, smp, s.opts.RawCapacity)
	s.bucket(smp)
	s.arrivals = appendBounded(s.arrivals, smp.CapturedAt, s.opts.ArrivalWindow)

	next := s.snap.clone()
	last := smp
	next.LastSample = &last
	next.RawSamples = clip(s.raw)
	next.MinuteBuckets = clip(s.history)
	next.ActiveBucket = s.activeCopy()
	next.DropCount = s.seq.Drops()
	next.Hz = rate(s.arrivals)
	next.Silence = 0
	s.publish(next)

	return smp
}

// SetConnection records the link state. Moving to Disconnected finalizes the active
// bucket and makes silence infinite.
func (s *Store) SetConnection(status ConnectionStatus) {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.Connection == status {
		return
	}
	next := s.snap.clone()
	next.Connection = status
	if status == Disconnected {
		s.finalize()
		next.MinuteBuckets = clip(s.history)
		next.ActiveBucket = nil
		next.Silence = SilenceInfinite
	}
	s.logger.WithFields(logrus.Fields{
		"from": s.snap.Connection,
		"to":   status,
	}).Debug("Connection status changed")
	s.publish(next)
}

// SetPermissionGranted records whether the user granted access to the device.
func (s *Store) SetPermissionGranted(granted bool) {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.PermissionGranted == granted {
		return
	}
	next := s.snap.clone()
	next.PermissionGranted = granted
	s.publish(next)
}

// SetUsingSimulator records whether samples come from the simulator.
func (s *Store) SetUsingSimulator(using bool) {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.UsingSimulator == using {
		return
	}
	next := s.snap.clone()
	next.UsingSimulator = using
	s.publish(next)
}

// ResetData clears every buffer and counter in a single snapshot replacement.
// Connection, permission and simulator flags are kept.
func (s *Store) ResetData() {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.raw = nil
	s.history = nil
	s.active = nil
	s.arrivals = nil
	s.seq.Reset()

	next := s.snap.clone()
	next.LastSample = nil
	next.RawSamples = nil
	next.MinuteBuckets = nil
	next.ActiveBucket = nil
	next.DropCount = 0
	next.Hz = 0
	next.Silence = SilenceInfinite
	s.logger.Debug("Sample data reset")
	s.publish(next)
}

// CheckSilence recomputes the silence duration and republishes when it moved by more
// than half a second. Silence stays infinite without a last sample and while the
// link is down with no simulator feeding the store.
func (s *Store) CheckSilence() {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	silence := SilenceInfinite
	if s.snap.LastSample != nil && (s.snap.Connection != Disconnected || s.snap.UsingSimulator) {
		silence = s.opts.Now().Sub(s.snap.LastSample.CapturedAt)
		if silence < 0 {
			silence = 0
		}
	}

	current := s.snap.Silence
	switch {
	case silence == current:
		return
	case silence != SilenceInfinite && current != SilenceInfinite && absDuration(silence-current) <= silenceResolution:
		return
	}

	next := s.snap.clone()
	next.Silence = silence
	s.publish(next)
}

// flush notifies subscribers of the snapshots published since the last flush. Callers must
// not hold s.mu so subscribers never run under it.
func (s *Store) flush() {
	if s.pending.CompareAndSwap(true, false) {
		s.hub.Notify()
	}
}

// ----------------------------------------------------------------------------
// Internals (callers hold s.mu)
// ----------------------------------------------------------------------------

func (s *Store) publish(next *Snapshot) {
	s.snap = next
	s.hub.Set(next)
	s.pending.Store(true)
}

func (s *Store) bucket(smp sample.Sample) {
	start := MinuteFloor(smp.CapturedAt)
	if s.active != nil && s.active.Start.Equal(start) {
		s.active.extend(smp)
		return
	}
	s.finalize()
	b := openBucket(smp)
	s.active = &b
}

func (s *Store) finalize() {
	if s.active == nil {
		return
	}
	s.history = appendBounded(s.history, *s.active, s.opts.BucketCapacity)
	s.active = nil
}

func (s *Store) activeCopy() *MinuteBucket {
	if s.active == nil {
		return nil
	}
	b := *s.active
	return &b
}

// appendBounded appends v and drops the oldest entries beyond limit. Dropping is a
// reslice, so elements already published through clip are never overwritten.
func appendBounded[T any](buf []T, v T, limit int) []T {
	buf = append(buf, v)
	if over := len(buf) - limit; over > 0 {
		buf = buf[over:]
	}
	return buf
}

// clip returns a view whose capacity ends at its length, so later appends to buf
// can never write into it.
func clip[T any](buf []T) []T {
	if len(buf) == 0 {
		return nil
	}
	return buf[:len(buf):len(buf)]
}

func rate(arrivals []time.Time) float64 {
	if len(arrivals) < 2 {
		return 0
	}
	span := arrivals[len(arrivals)-1].Sub(arrivals[0]).Seconds()
	if span <= 0 {
		return 0
	}
	hz := float64(len(arrivals)-1) / span
	return math.Round(hz*100) / 100
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
