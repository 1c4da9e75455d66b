package store

import (
	"encoding/json"
	"math"
	"time"

	"github.com/srg/databloom/internal/sample"
)

// ConnectionStatus is the link state reported to consumers.
type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "disconnected"
	Connecting   ConnectionStatus = "connecting"
	Connected    ConnectionStatus = "connected"
)

// SilenceInfinite marks a snapshot with no sample to measure silence against.
const SilenceInfinite time.Duration = math.MaxInt64

// Snapshot is an immutable point-in-time view of the store. Slices share backing
// arrays with later snapshots but are clipped so nothing visible here is ever written.
type Snapshot struct {
	Connection        ConnectionStatus
	PermissionGranted bool
	UsingSimulator    bool
	LastSample        *sample.Sample
	RawSamples        []sample.Sample
	MinuteBuckets     []MinuteBucket
	ActiveBucket      *MinuteBucket
	DropCount         uint64
	Hz                float64
	Silence           time.Duration
}

// SilenceKnown reports whether Silence holds a finite duration.
func (s *Snapshot) SilenceKnown() bool {
	return s.Silence != SilenceInfinite
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	return &c
}

type snapshotJSON struct {
	Connection        ConnectionStatus `json:"connection"`
	PermissionGranted bool             `json:"permission_granted"`
	UsingSimulator    bool             `json:"using_simulator"`
	LastSample        *sample.Sample   `json:"last_sample"`
	RawSamples        int              `json:"raw_samples"`
	MinuteBuckets     int              `json:"minute_buckets"`
	ActiveBucket      *MinuteBucket    `json:"active_bucket"`
	DropCount         uint64           `json:"drop_count"`
	Hz                float64          `json:"hz"`
	SilenceMs         *int64           `json:"silence_ms"`
}

// MarshalJSON renders a compact status document: buffer lengths instead of contents
// and silence_ms as null when infinite.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		Connection:        s.Connection,
		PermissionGranted: s.PermissionGranted,
		UsingSimulator:    s.UsingSimulator,
		RawSamples:        len(s.RawSamples),
		MinuteBuckets:     len(s.MinuteBuckets),
		ActiveBucket:      s.ActiveBucket,
		LastSample:        s.LastSample,
		DropCount:         s.DropCount,
		Hz:                s.Hz,
	}
	if s.SilenceKnown() {
		ms := s.Silence.Milliseconds()
		out.SilenceMs = &ms
	}
	return json.Marshal(out)
}
