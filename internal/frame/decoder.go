// Package frame turns the notification byte stream of a UART-like characteristic into sensor payloads.
//
// Records are newline-delimited CSV lines:
//
//	seq,moistureRaw,tempC,lightRaw\n
//
// A trailing carriage return is tolerated, blank lines are ignored and extra fields are ignored.
// Lines that do not parse are dropped; the decoder never reports them to the caller.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/sample"
)

const (
	// MaxLineLength bounds a record. Longer lines are dropped whole, however they were chunked.
	MaxLineLength = 1024

	// diagnosticLines is how many decoded lines are logged at info level after a reset.
	diagnosticLines = 5

	minFields = 4
)

// ErrMalformed is wrapped by every ParseLine failure.
var ErrMalformed = errors.New("malformed record")

// Decoder accumulates chunks and emits one payload per well-formed line.
// It implements io.Writer so it can sit directly behind a notification handler.
type Decoder struct {
	mu        sync.Mutex
	buf       []byte
	seen      int
	skipping  bool // inside an oversized line already discarded
	onPayload func(sample.Payload)
	logger    *logrus.Logger

	decoded atomic.Uint64
	dropped atomic.Uint64
}

// NewDecoder creates a decoder that hands every parsed payload to onPayload, in arrival order.
func NewDecoder(onPayload func(sample.Payload), logger *logrus.Logger) *Decoder {
	if logger == nil {
		logger = logrus.New()
	}
	if onPayload == nil {
		onPayload = func(sample.Payload) {}
	}
	return &Decoder{
		onPayload: onPayload,
		logger:    logger,
	}
}

// Write appends chunk to the buffer and emits every complete record. It always consumes the whole chunk.
func (d *Decoder) Write(chunk []byte) (int, error) {
	payloads := d.drain(chunk)
	for _, p := range payloads {
		d.onPayload(p)
	}
	return len(chunk), nil
}

func (d *Decoder) drain(chunk []byte) []sample.Payload {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.skipping {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			return nil
		}
		d.skipping = false
		chunk = chunk[idx+1:]
	}
	d.buf = append(d.buf, chunk...)

	var out []sample.Payload
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > MaxLineLength {
			d.dropOversized(idx)
			d.buf = d.buf[idx+1:]
			continue
		}
		line := strings.TrimSpace(strings.TrimSuffix(string(d.buf[:idx]), "\r"))
		d.buf = d.buf[idx+1:]
		if line == "" {
			continue
		}

		if d.seen < diagnosticLines {
			d.seen++
			d.logger.WithFields(logrus.Fields{
				"n":    d.seen,
				"line": line,
			}).Info("Received line")
		}

		p, err := ParseLine(line)
		if err != nil {
			d.dropped.Add(1)
			d.logger.WithFields(logrus.Fields{
				"line":  line,
				"error": err,
			}).Debug("Dropping malformed record")
			continue
		}
		d.decoded.Add(1)
		out = append(out, p)
	}

	if len(d.buf) > MaxLineLength {
		d.dropOversized(len(d.buf))
		d.buf = nil
		d.skipping = true
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}

	return out
}

func (d *Decoder) dropOversized(n int) {
	d.dropped.Add(1)
	d.logger.WithField("bytes", n).Warn("Discarding oversized record")
}

// Reset discards any buffered partial line.
func (d *Decoder) Reset() {
	d.mu.Lock()
	d.buf = nil
	d.seen = 0
	d.skipping = false
	d.mu.Unlock()
}

// Buffered returns the number of bytes waiting for a line terminator.
func (d *Decoder) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// Decoded returns the number of records emitted since creation.
func (d *Decoder) Decoded() uint64 { return d.decoded.Load() }

// Dropped returns the number of lines discarded since creation.
func (d *Decoder) Dropped() uint64 { return d.dropped.Load() }

// ParseLine parses a single record without its terminator.
// The sequence field must be a non-negative integer and is reduced modulo 65536;
// the remaining three fields must be finite numbers. Fields past the fourth are ignored.
func ParseLine(line string) (sample.Payload, error) {
	fields := strings.Split(line, ",")
	if len(fields) < minFields {
		return sample.Payload{}, fmt.Errorf("%w: expected %d comma-separated fields, got %d", ErrMalformed, minFields, len(fields))
	}

	seq, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return sample.Payload{}, fmt.Errorf("%w: sequence %q: %v", ErrMalformed, fields[0], err)
	}

	var values [3]float64
	for i := range values {
		raw := strings.TrimSpace(fields[i+1])
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return sample.Payload{}, fmt.Errorf("%w: field %d %q is not a finite number", ErrMalformed, i+2, raw)
		}
		values[i] = v
	}

	return sample.Payload{
		Seq:         uint16(seq % sample.SeqModulus),
		MoistureRaw: values[0],
		TempC:       values[1],
		LightRaw:    values[2],
	}, nil
}
