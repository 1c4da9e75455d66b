package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/srg/databloom/internal/session"
	"github.com/stretchr/testify/assert"
)

func TestProgressPrinter_StopsOnStopPhase(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "Connecting", "discovering", "active", "error")
	p.Start()

	cb := p.SessionCallback()
	cb(session.StateConnecting)
	assert.Equal(t, "connecting", p.Phase())
	cb(session.StateActive)

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\rConnecting (discovering...)   "), out)
	assert.True(t, strings.HasSuffix(out, clearLineSequence), out)

	p.Stop()
	assert.Equal(t, out, buf.String(), "second Stop writes nothing")
}

func TestProgressPrinter_StartTwicePanics(t *testing.T) {
	p := NewProgressPrinter(&bytes.Buffer{}, "x", "y")
	p.Start()
	defer p.Stop()
	assert.Panics(t, p.Start)
}

func TestProgressPrinter_StopBeforeStart(t *testing.T) {
	var buf bytes.Buffer
	NewProgressPrinter(&buf, "x", "y").Stop()
	assert.Empty(t, buf.String())
}

func TestProgressPrinter_Seconds(t *testing.T) {
	up := NewProgressPrinter(&bytes.Buffer{}, "x", "y")
	assert.Equal(t, 3, up.seconds(3700*time.Millisecond))

	down := NewCountdownProgressPrinter(&bytes.Buffer{}, "x", "y", 10*time.Second)
	assert.Equal(t, 6, down.seconds(3700*time.Millisecond))
	assert.Equal(t, 0, down.seconds(11*time.Second))
}
