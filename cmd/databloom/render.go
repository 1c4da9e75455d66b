package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/srg/databloom/internal/calibration"
	"github.com/srg/databloom/internal/store"
	"github.com/srg/databloom/internal/window"
	"golang.org/x/term"
)

// isTerminal reports whether w is a terminal file.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

type palette struct {
	ok, warn, bad, dim, value *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		ok:    color.New(color.FgGreen, color.Bold),
		warn:  color.New(color.FgYellow),
		bad:   color.New(color.FgRed, color.Bold),
		dim:   color.New(color.Faint),
		value: color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{p.ok, p.warn, p.bad, p.dim, p.value} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// statusRenderer turns snapshots into the one-line monitor status.
type statusRenderer struct {
	cal    calibration.Points
	window window.Window
	colors palette
}

func newStatusRenderer(cal calibration.Points, w window.Window, colored bool) *statusRenderer {
	return &statusRenderer{cal: cal, window: w, colors: newPalette(colored)}
}

func (r *statusRenderer) Render(snap *store.Snapshot) string {
	c := r.colors
	var b strings.Builder

	switch snap.Connection {
	case store.Connected:
		b.WriteString(c.ok.Sprint("● connected"))
	case store.Connecting:
		b.WriteString(c.warn.Sprint("◌ connecting"))
	default:
		b.WriteString(c.bad.Sprint("○ disconnected"))
	}
	if snap.UsingSimulator {
		b.WriteString(c.dim.Sprint(" [sim]"))
	}

	if last := snap.LastSample; last != nil {
		fmt.Fprintf(&b, "  #%d  moisture %s", last.Seq, c.value.Sprint(formatFloat(last.MoistureRaw)))
		if pct, ok := r.cal.Percent(last.MoistureRaw); ok {
			fmt.Fprintf(&b, " (%s)", c.value.Sprintf("%.1f%%", pct))
		}
		fmt.Fprintf(&b, "  temp %s  light %s",
			c.value.Sprintf("%s°C", formatFloat(last.TempC)),
			c.value.Sprint(formatFloat(last.LightRaw)))
	} else {
		b.WriteString(c.dim.Sprint("  waiting for data"))
	}

	fmt.Fprintf(&b, "  %.1f Hz", snap.Hz)
	drops := fmt.Sprintf("drops %d", snap.DropCount)
	if snap.DropCount > 0 {
		drops = c.warn.Sprint(drops)
	}
	b.WriteString("  " + drops)
	if snap.SilenceKnown() && snap.Silence >= time.Second {
		b.WriteString("  " + c.warn.Sprintf("silent %s", snap.Silence.Truncate(100*time.Millisecond)))
	}

	b.WriteString("  " + c.dim.Sprint(r.windowSummary(snap)))
	return b.String()
}

// windowSummary describes the moisture range over the selected window.
func (r *statusRenderer) windowSummary(snap *store.Snapshot) string {
	points := window.Select(snap, r.window).Points(r.cal)
	if len(points) == 0 {
		return fmt.Sprintf("%s: no data", r.window)
	}

	lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
	for _, p := range points {
		lo = math.Min(lo, p.MoistureRaw)
		hi = math.Max(hi, p.MoistureRaw)
		sum += p.MoistureRaw
	}
	return fmt.Sprintf("%s: %d pts moisture %s..%s avg %.1f",
		r.window, len(points), formatFloat(lo), formatFloat(hi), sum/float64(len(points)))
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", math.Round(v*100)/100)
}

// statusWriter serializes status output from hub callbacks. On a terminal the line is
// rewritten in place; otherwise every update is a new line.
type statusWriter struct {
	mu     sync.Mutex
	out    io.Writer
	inline bool
	last   string
}

func (w *statusWriter) Write(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if line == w.last {
		return
	}
	w.last = line
	if w.inline {
		fmt.Fprint(w.out, clearLineSequence+line)
		return
	}
	fmt.Fprintln(w.out, line)
}

// Finish ends an inline status line.
func (w *statusWriter) Finish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inline && w.last != "" {
		fmt.Fprintln(w.out)
	}
}
