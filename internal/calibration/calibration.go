// Package calibration maps raw moisture readings onto a 0-100% scale using two
// reference readings taken in dry and saturated soil.
package calibration

import (
	"fmt"
	"math"
)

// Points holds the dry and wet reference readings. A nil point is unset.
type Points struct {
	Dry *float64 `yaml:"dry,omitempty" toml:"dry,omitempty" json:"dry"`
	Wet *float64 `yaml:"wet,omitempty" toml:"wet,omitempty" json:"wet"`
}

// New returns Points with both references set.
func New(dry, wet float64) Points {
	return Points{Dry: &dry, Wet: &wet}
}

// IsCalibrated reports whether both points are set and distinct.
func (p Points) IsCalibrated() bool {
	return p.Dry != nil && p.Wet != nil && *p.Dry != *p.Wet
}

// Percent converts raw into a clamped percentage. ok is false when p is not calibrated.
// Wet may sit below dry; capacitive probes usually read lower when wet.
func (p Points) Percent(raw float64) (percent float64, ok bool) {
	if !p.IsCalibrated() {
		return 0, false
	}
	span := *p.Wet - *p.Dry
	percent = (raw - *p.Dry) / span * 100
	if math.IsNaN(percent) {
		return 0, false
	}
	return math.Min(100, math.Max(0, percent)), true
}

// Merge returns p with every point set in update replacing the current one.
func (p Points) Merge(update Points) Points {
	if update.Dry != nil {
		v := *update.Dry
		p.Dry = &v
	}
	if update.Wet != nil {
		v := *update.Wet
		p.Wet = &v
	}
	return p
}

func (p Points) String() string {
	return fmt.Sprintf("dry=%s wet=%s", formatPoint(p.Dry), formatPoint(p.Wet))
}

func formatPoint(v *float64) string {
	if v == nil {
		return "unset"
	}
	return fmt.Sprintf("%g", *v)
}
