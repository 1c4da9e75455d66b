package store

import (
	"math"
	"time"

	"github.com/srg/databloom/internal/sample"
)

// AggregateStats summarises one metric inside one minute bucket.
type AggregateStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
	Last  float64 `json:"last"`
	Count int     `json:"count"`
}

func newStats(v float64) AggregateStats {
	return AggregateStats{Min: v, Max: v, Sum: v, Last: v, Count: 1}
}

func (a *AggregateStats) add(v float64) {
	a.Min = math.Min(a.Min, v)
	a.Max = math.Max(a.Max, v)
	a.Sum += v
	a.Last = v
	a.Count++
}

// Mean returns Sum/Count, or 0 for an empty aggregate.
func (a AggregateStats) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// MinuteBucket aggregates every sample captured within one wall-clock minute.
type MinuteBucket struct {
	Start       time.Time      `json:"start"`
	MoistureRaw AggregateStats `json:"moisture_raw"`
	TempC       AggregateStats `json:"temp_c"`
	LightRaw    AggregateStats `json:"light_raw"`
}

// MinuteFloor truncates t to the start of its minute.
func MinuteFloor(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

func openBucket(s sample.Sample) MinuteBucket {
	return MinuteBucket{
		Start:       MinuteFloor(s.CapturedAt),
		MoistureRaw: newStats(s.MoistureRaw),
		TempC:       newStats(s.TempC),
		LightRaw:    newStats(s.LightRaw),
	}
}

func (b *MinuteBucket) extend(s sample.Sample) {
	b.MoistureRaw.add(s.MoistureRaw)
	b.TempC.add(s.TempC)
	b.LightRaw.add(s.LightRaw)
}
