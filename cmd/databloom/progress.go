package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/databloom/internal/session"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps one terminal line updated with the current phase and a
// seconds counter, elapsed by default or remaining when built with a countdown.
//
//	p := NewProgressPrinter(out, "Connecting", "discovering", "active", "error")
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Stop is safe to call more than once.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value
	stopPhases map[string]struct{}
	countdown  time.Duration

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopChan chan struct{}
	done     chan struct{}
}

func NewProgressPrinter(out io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: make(map[string]struct{}, len(stopPhases)),
	}
	for _, s := range stopPhases {
		p.stopPhases[s] = struct{}{}
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter shows the seconds left of d instead of the elapsed ones.
func NewCountdownProgressPrinter(out io.Writer, prefix, phase string, d time.Duration, stopPhases ...string) *ProgressPrinter {
	p := NewProgressPrinter(out, prefix, phase, stopPhases...)
	p.countdown = d
	return p
}

// Start draws the first line and keeps refreshing it. Panics when called twice.
func (p *ProgressPrinter) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		panic("ProgressPrinter.Start called more than once")
	}
	p.started = true
	p.stopChan = make(chan struct{})
	p.done = make(chan struct{})

	start := time.Now()
	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.Phase())

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				phase := p.Phase()
				if _, stop := p.stopPhases[phase]; stop {
					return
				}
				p.print(phase, p.seconds(time.Since(start)))
			}
		}
	}()
}

func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.countdown <= 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.countdown - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
		return
	}
	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
}

// Phase returns the phase currently shown.
func (p *ProgressPrinter) Phase() string { return p.phase.Load().(string) }

// Callback returns a phase setter; a stop phase stops the printer.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// SessionCallback adapts Callback to session state changes.
func (p *ProgressPrinter) SessionCallback() func(session.State) {
	cb := p.Callback()
	return func(st session.State) { cb(string(st)) }
}

// Stop ends the refresh loop and clears the line.
func (p *ProgressPrinter) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopChan)
	p.mu.Unlock()

	<-p.done
	fmt.Fprint(p.out, clearLineSequence)
}
