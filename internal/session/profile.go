package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Nordic UART Service.
const (
	NUSService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NUSTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// micro:bit UART service as started by MakeCode.
const (
	MicrobitUARTService = "e95d0000-251d-470a-a062-fa1922dfa9a8"
	MicrobitUARTRX      = "e95d0001-251d-470a-a062-fa1922dfa9a8"
	MicrobitUARTTX      = "e95d0002-251d-470a-a062-fa1922dfa9a8"
)

// NamePrefixes are the advertised-name aliases accepted as a sensor.
var NamePrefixes = []string{
	"BBC micro:bit",
	"micro:bit",
	"BBC microbit",
	"microbit",
}

// Profile is a UART-like GATT layout: a service and its notify candidates in preference order.
type Profile struct {
	Name       string
	Service    string
	Candidates []string
}

// Profiles are negotiated in this order; the first one yielding a notify-capable characteristic wins.
var Profiles = []Profile{
	{Name: "Nordic NUS", Service: NUSService, Candidates: []string{NUSTX}},
	{Name: "micro:bit UART", Service: MicrobitUARTService, Candidates: []string{MicrobitUARTTX}},
}

// ProfileServices returns the service UUID of every profile.
func ProfileServices() []string {
	out := make([]string, len(Profiles))
	for i, p := range Profiles {
		out[i] = p.Service
	}
	return out
}

// IsSensorName reports whether an advertised name carries one of NamePrefixes.
func IsSensorName(name string) bool {
	return device.HasNamePrefix(name, NamePrefixes)
}

// Inspection is one characteristic looked at during negotiation.
type Inspection struct {
	Service        string
	Characteristic string
	Notify         bool
}

func (i Inspection) String() string {
	mark := "-"
	if i.Notify {
		mark = "notify"
	}
	return fmt.Sprintf("%s/%s:%s", i.Service, i.Characteristic, mark)
}

// trail records inspected characteristics in first-seen order. A later look at the same
// characteristic updates its capability in place.
type trail struct {
	m *orderedmap.OrderedMap[string, Inspection]
}

func newTrail() *trail {
	return &trail{m: orderedmap.New[string, Inspection]()}
}

func (t *trail) record(service, char string, notify bool) {
	key := device.NormalizeUUID(service) + "/" + device.NormalizeUUID(char)
	t.m.Set(key, Inspection{Service: service, Characteristic: char, Notify: notify})
}

func (t *trail) list() []Inspection {
	out := make([]Inspection, 0, t.m.Len())
	for pair := t.m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// NegotiationError is returned when no profile yields a notify-capable characteristic.
type NegotiationError struct {
	Tried []Inspection
}

func (e *NegotiationError) Error() string {
	parts := make([]string, len(e.Tried))
	for i, t := range e.Tried {
		parts[i] = t.String()
	}
	return fmt.Sprintf("No UART/NUS characteristic with notifications. Tried: %s", strings.Join(parts, ", "))
}

func (e *NegotiationError) Unwrap() error { return device.ErrNoProfile }

// negotiate picks the notification characteristic on an open link.
func negotiate(ctx context.Context, link device.Link, logger *logrus.Logger) (Profile, device.Characteristic, error) {
	tr := newTrail()
	for _, p := range Profiles {
		svc, err := link.GetPrimaryService(ctx, p.Service)
		if err != nil {
			if errors.Is(err, device.ErrNotConnected) {
				return Profile{}, nil, err
			}
			logger.WithFields(logrus.Fields{
				"profile": p.Name,
				"error":   err,
			}).Debug("Profile service not available")
			continue
		}

		if c := pickNotify(ctx, svc, p, tr, logger); c != nil {
			logger.WithFields(logrus.Fields{
				"profile":        p.Name,
				"service":        p.Service,
				"characteristic": c.UUID(),
			}).Info("Using UART profile")
			return p, c, nil
		}
	}
	return Profile{}, nil, &NegotiationError{Tried: tr.list()}
}

// pickNotify tries the documented candidates, then every characteristic on the service,
// then probes the candidates by starting and stopping notifications.
func pickNotify(ctx context.Context, svc device.Service, p Profile, tr *trail, logger *logrus.Logger) device.Characteristic {
	for _, uuid := range p.Candidates {
		c, err := svc.GetCharacteristic(ctx, uuid)
		if err != nil {
			continue
		}
		ok := device.CanNotify(c)
		tr.record(p.Service, c.UUID(), ok)
		if ok {
			return c
		}
	}

	all, err := svc.GetCharacteristics(ctx)
	if err != nil {
		logger.WithError(err).Debug("Characteristic enumeration failed")
	} else {
		for _, c := range all {
			tr.record(p.Service, c.UUID(), device.CanNotify(c))
		}
		for _, pref := range p.Candidates {
			for _, c := range all {
				if device.EqualUUID(c.UUID(), pref) && device.CanNotify(c) {
					return c
				}
			}
		}
		for _, c := range all {
			if device.CanNotify(c) {
				return c
			}
		}
	}

	// some stacks omit notify/indicate from the property bits
	for _, uuid := range p.Candidates {
		c, err := svc.GetCharacteristic(ctx, uuid)
		if err != nil {
			continue
		}
		if err := c.StartNotifications(func([]byte) {}); err != nil {
			tr.record(p.Service, c.UUID(), false)
			continue
		}
		if err := c.StopNotifications(); err != nil {
			logger.WithError(err).Debug("Stopping probe notifications failed")
		}
		tr.record(p.Service, c.UUID(), true)
		return c
	}
	return nil
}
