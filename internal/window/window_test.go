package window

import (
	"testing"
	"time"

	"github.com/srg/databloom/internal/calibration"
	"github.com/srg/databloom/internal/sample"
	"github.com/srg/databloom/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func TestWindowAttributes(t *testing.T) {
	tests := []struct {
		window  Window
		dur     time.Duration
		label   string
		buckets bool
	}{
		{FiveMinutes, 5 * time.Minute, "5 minutes", false},
		{FifteenMinutes, 15 * time.Minute, "15 minutes", false},
		{OneHour, time.Hour, "1 hour", false},
		{SixHours, 6 * time.Hour, "6 hours", true},
		{OneDay, 24 * time.Hour, "24 hours", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.window), func(t *testing.T) {
			assert.Equal(t, tt.dur, tt.window.Duration())
			assert.Equal(t, tt.label, tt.window.Label())
			assert.Equal(t, tt.buckets, tt.window.UsesMinuteBuckets())
		})
	}
	assert.Equal(t, "2d", Window("2d").Label())
}

func TestParse(t *testing.T) {
	w, err := Parse(" 15M ")
	require.NoError(t, err)
	assert.Equal(t, FifteenMinutes, w)

	_, err = Parse("2d")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "5m, 15m, 1h, 6h, 24h")
}

func samplesEvery(step time.Duration, n int) []sample.Sample {
	out := make([]sample.Sample, n)
	for i := range out {
		out[i] = sample.Sample{
			Payload:    sample.Payload{Seq: uint16(i), MoistureRaw: float64(i)},
			CapturedAt: t0.Add(time.Duration(i) * step),
		}
	}
	return out
}

func TestSelect_RawWindow(t *testing.T) {
	// 20 minutes of samples, one per minute
	snap := &store.Snapshot{RawSamples: samplesEvery(time.Minute, 21)}

	sel := Select(snap, FiveMinutes)
	require.Len(t, sel.Samples, 6, "cutoff is inclusive")
	assert.Equal(t, uint16(15), sel.Samples[0].Seq)
	assert.Empty(t, sel.Buckets)

	sel = Select(snap, OneHour)
	assert.Len(t, sel.Samples, 21)
}

func TestSelect_BucketWindow(t *testing.T) {
	var history []store.MinuteBucket
	for i := 0; i < 400; i++ {
		history = append(history, store.MinuteBucket{
			Start:       t0.Add(time.Duration(i) * time.Minute),
			MoistureRaw: store.AggregateStats{Min: 1, Max: 3, Sum: 4, Last: 3, Count: 2},
		})
	}
	active := store.MinuteBucket{
		Start:       t0.Add(400 * time.Minute),
		MoistureRaw: store.AggregateStats{Min: 5, Max: 5, Sum: 5, Last: 5, Count: 1},
	}
	snap := &store.Snapshot{MinuteBuckets: history, ActiveBucket: &active}

	sel := Select(snap, SixHours)
	require.Len(t, sel.Buckets, 361)
	assert.Equal(t, active.Start, sel.Buckets[len(sel.Buckets)-1].Start)
	assert.Equal(t, t0.Add(40*time.Minute), sel.Buckets[0].Start)
	assert.Empty(t, sel.Samples)
	assert.Len(t, snap.MinuteBuckets, 400, "snapshot history is not extended")

	sel = Select(snap, OneDay)
	assert.Len(t, sel.Buckets, 401)
}

func TestSelect_Empty(t *testing.T) {
	assert.Zero(t, Select(nil, FiveMinutes).Len())
	assert.Zero(t, Select(&store.Snapshot{}, OneDay).Len())
}

func TestPoints(t *testing.T) {
	cal := calibration.New(800, 300)

	sel := Selection{Samples: []sample.Sample{{
		Payload:    sample.Payload{MoistureRaw: 550, TempC: 21.5, LightRaw: 88},
		CapturedAt: t0,
	}}}
	points := sel.Points(cal)
	require.Len(t, points, 1)
	require.NotNil(t, points[0].MoisturePercent)
	assert.Equal(t, 50.0, *points[0].MoisturePercent)
	assert.Equal(t, t0, points[0].At)

	sel = Selection{Buckets: []store.MinuteBucket{
		{Start: t0, MoistureRaw: store.AggregateStats{Sum: 1001, Count: 3}, TempC: store.AggregateStats{Sum: 64.6, Count: 3}},
		{Start: t0.Add(time.Minute)},
	}}
	points = sel.Points(calibration.Points{})
	require.Len(t, points, 1, "empty buckets are skipped")
	assert.Equal(t, t0.Add(30*time.Second), points[0].At)
	assert.Equal(t, 333.67, points[0].MoistureRaw)
	assert.Equal(t, 21.53, points[0].TempC)
	assert.Nil(t, points[0].MoisturePercent)
}
