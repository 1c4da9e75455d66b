package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/device"
)

// OutcomeKind tags the result of one discovery strategy.
type OutcomeKind int

const (
	Found OutcomeKind = iota
	NotFound
	Cancelled
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Found:
		return "found"
	case NotFound:
		return "not found"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is what one strategy produced.
type Outcome struct {
	Strategy   string
	Kind       OutcomeKind
	Peripheral device.Peripheral
	Err        error
}

// Strategy is one discovery attempt with its own device request.
type Strategy struct {
	Name    string
	Options func(timeout time.Duration) *device.RequestOptions
}

// Strategies are tried in order of decreasing strictness.
var Strategies = []Strategy{
	{Name: "name+service", Options: strictRequest},
	{Name: "name", Options: nameRequest},
	{Name: "any", Options: anyRequest},
}

func strictRequest(timeout time.Duration) *device.RequestOptions {
	opts := &device.RequestOptions{Timeout: timeout}
	for _, prefix := range NamePrefixes {
		for _, p := range Profiles {
			opts.Filters = append(opts.Filters, device.Filter{NamePrefix: prefix, Services: []string{p.Service}})
		}
	}
	return opts
}

func nameRequest(timeout time.Duration) *device.RequestOptions {
	opts := &device.RequestOptions{Timeout: timeout, OptionalServices: ProfileServices()}
	for _, prefix := range NamePrefixes {
		opts.Filters = append(opts.Filters, device.Filter{NamePrefix: prefix})
	}
	return opts
}

func anyRequest(timeout time.Duration) *device.RequestOptions {
	return &device.RequestOptions{
		AcceptAllDevices: true,
		OptionalServices: ProfileServices(),
		Timeout:          timeout,
	}
}

// DiscoveryError is returned when every strategy found nothing.
type DiscoveryError struct {
	Attempts []Outcome
}

func (e *DiscoveryError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Strategy, a.Err)
	}
	return fmt.Sprintf("no micro:bit found (%s)", strings.Join(parts, "; "))
}

func (e *DiscoveryError) Unwrap() error { return device.ErrNothingMatched }

func classify(strategy string, p device.Peripheral, err error) Outcome {
	o := Outcome{Strategy: strategy, Peripheral: p, Err: err}
	switch {
	case err == nil:
		o.Kind = Found
	case errors.Is(err, device.ErrCancelled), errors.Is(err, context.Canceled):
		o.Kind = Cancelled
	case errors.Is(err, device.ErrNothingMatched):
		o.Kind = NotFound
	default:
		o.Kind = Failed
	}
	return o
}

// discover runs the strategies until one finds a device. Only NotFound falls through.
func discover(ctx context.Context, t device.Transport, timeout time.Duration, logger *logrus.Logger) (device.Peripheral, error) {
	var attempts []Outcome
	for _, s := range Strategies {
		p, err := t.RequestDevice(ctx, s.Options(timeout))
		o := classify(s.Name, p, err)
		logger.WithFields(logrus.Fields{
			"strategy": s.Name,
			"outcome":  o.Kind.String(),
		}).Debug("Discovery strategy finished")

		switch o.Kind {
		case Found:
			return o.Peripheral, nil
		case Cancelled:
			if errors.Is(err, device.ErrCancelled) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", device.ErrCancelled, err)
		case Failed:
			return nil, fmt.Errorf("discovery strategy %q failed: %w", s.Name, err)
		}
		attempts = append(attempts, o)
	}
	return nil, &DiscoveryError{Attempts: attempts}
}
