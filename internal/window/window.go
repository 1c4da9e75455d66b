// Package window selects the part of a store snapshot that falls inside one of the
// fixed display windows. Short windows read raw samples, long windows read minute buckets.
package window

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/srg/databloom/internal/calibration"
	"github.com/srg/databloom/internal/sample"
	"github.com/srg/databloom/internal/store"
)

// Window is one of the fixed display spans.
type Window string

const (
	FiveMinutes    Window = "5m"
	FifteenMinutes Window = "15m"
	OneHour        Window = "1h"
	SixHours       Window = "6h"
	OneDay         Window = "24h"
)

// All lists the windows from shortest to longest.
var All = []Window{FiveMinutes, FifteenMinutes, OneHour, SixHours, OneDay}

var durations = map[Window]time.Duration{
	FiveMinutes:    5 * time.Minute,
	FifteenMinutes: 15 * time.Minute,
	OneHour:        time.Hour,
	SixHours:       6 * time.Hour,
	OneDay:         24 * time.Hour,
}

var labels = map[Window]string{
	FiveMinutes:    "5 minutes",
	FifteenMinutes: "15 minutes",
	OneHour:        "1 hour",
	SixHours:       "6 hours",
	OneDay:         "24 hours",
}

// Parse accepts a window name such as "15m" or "24h".
func Parse(s string) (Window, error) {
	w := Window(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := durations[w]; !ok {
		return "", fmt.Errorf("unknown window %q (valid: %s)", s, strings.Join(Names(), ", "))
	}
	return w, nil
}

// Names returns the window names in display order.
func Names() []string {
	names := make([]string, len(All))
	for i, w := range All {
		names[i] = string(w)
	}
	return names
}

// Duration returns the span covered by w.
func (w Window) Duration() time.Duration { return durations[w] }

// Label returns a human-readable span, or the raw name for an unknown window.
func (w Window) Label() string {
	if l, ok := labels[w]; ok {
		return l
	}
	return string(w)
}

// UsesMinuteBuckets reports whether w is drawn from the minute history.
func (w Window) UsesMinuteBuckets() bool {
	return w == SixHours || w == OneDay
}

// Selection is the data a window covers. Exactly one of the slices is populated.
type Selection struct {
	Window  Window
	Samples []sample.Sample
	Buckets []store.MinuteBucket
}

// Select returns the samples or buckets inside w, measured back from the newest entry
// rather than from the wall clock so a paused stream still shows its last span.
func Select(snap *store.Snapshot, w Window) Selection {
	sel := Selection{Window: w}
	if snap == nil {
		return sel
	}
	span := w.Duration()

	if w.UsesMinuteBuckets() {
		buckets := snap.MinuteBuckets
		if snap.ActiveBucket != nil {
			buckets = append(buckets[:len(buckets):len(buckets)], *snap.ActiveBucket)
		}
		if len(buckets) == 0 {
			return sel
		}
		cutoff := buckets[len(buckets)-1].Start.Add(time.Minute - span)
		for i, b := range buckets {
			if !b.Start.Add(time.Minute).Before(cutoff) {
				sel.Buckets = buckets[i:]
				break
			}
		}
		return sel
	}

	raw := snap.RawSamples
	if len(raw) == 0 {
		return sel
	}
	cutoff := raw[len(raw)-1].CapturedAt.Add(-span)
	for i, s := range raw {
		if !s.CapturedAt.Before(cutoff) {
			sel.Samples = raw[i:]
			break
		}
	}
	return sel
}

// Point is one plotted value set. Bucket points sit at the minute midpoint and carry
// the bucket means rounded to two decimals.
type Point struct {
	At              time.Time
	MoistureRaw     float64
	TempC           float64
	LightRaw        float64
	MoisturePercent *float64
}

// Len returns the number of points the selection yields.
func (s Selection) Len() int {
	return len(s.Samples) + len(s.Buckets)
}

// Points flattens the selection into plot points, applying cal when calibrated.
func (s Selection) Points(cal calibration.Points) []Point {
	points := make([]Point, 0, s.Len())
	for _, smp := range s.Samples {
		p := Point{
			At:          smp.CapturedAt,
			MoistureRaw: smp.MoistureRaw,
			TempC:       smp.TempC,
			LightRaw:    smp.LightRaw,
		}
		if pct, ok := cal.Percent(smp.MoistureRaw); ok {
			pct = round2(pct)
			p.MoisturePercent = &pct
		}
		points = append(points, p)
	}
	for _, b := range s.Buckets {
		if b.MoistureRaw.Count == 0 {
			continue
		}
		moisture := b.MoistureRaw.Mean()
		p := Point{
			At:          b.Start.Add(30 * time.Second),
			MoistureRaw: round2(moisture),
			TempC:       round2(b.TempC.Mean()),
			LightRaw:    round2(b.LightRaw.Mean()),
		}
		if pct, ok := cal.Percent(moisture); ok {
			pct = round2(pct)
			p.MoisturePercent = &pct
		}
		points = append(points, p)
	}
	return points
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
