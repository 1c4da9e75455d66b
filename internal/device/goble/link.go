package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/device"
	"github.com/srg/databloom/internal/groutine"
)

// ----------------------------
// Peripheral
// ----------------------------

// Peripheral is a device seen in an advertisement. Every Connect dials a fresh link.
type Peripheral struct {
	transport *Transport
	adv       device.Advertisement
	logger    *logrus.Logger
}

func (p *Peripheral) ID() string      { return p.adv.Address }
func (p *Peripheral) Name() string    { return p.adv.Name }
func (p *Peripheral) Address() string { return p.adv.Address }

// Connect dials the peripheral and discovers its GATT profile.
func (p *Peripheral) Connect(ctx context.Context) (device.Link, error) {
	p.logger.WithFields(logrus.Fields{
		"address": p.adv.Address,
		"name":    p.adv.Name,
	}).Info("Connecting to BLE device...")

	client, err := p.transport.dialFn(ctx, p.adv.Address)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"address": p.adv.Address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", p.adv.Address, device.NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"address": p.adv.Address,
			"error":   err,
		}).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			p.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	link := newLink(client, profile, p.logger)
	p.logger.WithFields(logrus.Fields{
		"address":  p.adv.Address,
		"services": len(link.services),
	}).Info("BLE device connected successfully")
	return link, nil
}

// ----------------------------
// Link
// ----------------------------

// Link is one ble.Client connection with its discovered services.
type Link struct {
	client   gattClient
	logger   *logrus.Logger
	services []*Service

	connected atomic.Bool
	done      chan struct{}
	once      sync.Once
}

func newLink(client gattClient, profile *ble.Profile, logger *logrus.Logger) *Link {
	l := &Link{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}
	l.connected.Store(true)

	if profile != nil {
		for _, s := range profile.Services {
			svc := &Service{link: l, uuid: device.NormalizeUUID(s.UUID.String())}
			for _, c := range s.Characteristics {
				svc.chars = append(svc.chars, &Characteristic{
					link: l,
					char: c,
					uuid: device.NormalizeUUID(c.UUID.String()),
				})
			}
			l.services = append(l.services, svc)
		}
	}

	// Not every platform client exposes a disconnect channel.
	if watcher, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-link-monitor", func(ctx context.Context) {
			select {
			case <-watcher.Disconnected():
				if l.connected.Load() {
					l.logger.Warn("Controller reported disconnection")
				}
				l.markDown()
			case <-l.done:
			}
		})
	} else {
		l.logger.Debug("Client does not support Disconnected() channel")
	}
	return l
}

func (l *Link) Connected() bool { return l.connected.Load() }

func (l *Link) Disconnected() <-chan struct{} { return l.done }

func (l *Link) GetPrimaryService(_ context.Context, uuid string) (device.Service, error) {
	if !l.Connected() {
		return nil, device.ErrNotConnected
	}
	for _, s := range l.services {
		if device.EqualUUID(s.uuid, uuid) {
			return s, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{uuid}}
}

// Disconnect cancels the connection. Calling it on a dropped link is a no-op.
func (l *Link) Disconnect() error {
	if !l.connected.Load() {
		l.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	l.logger.Info("Disconnecting BLE device...")
	err := device.NormalizeError(l.client.CancelConnection())
	l.markDown()
	if err != nil {
		l.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return err
	}
	l.logger.Info("BLE device disconnected successfully")
	return nil
}

func (l *Link) markDown() {
	l.once.Do(func() {
		l.connected.Store(false)
		close(l.done)
	})
}

// ----------------------------
// Service and characteristic
// ----------------------------

// Service is a discovered primary service.
type Service struct {
	link  *Link
	uuid  string
	chars []*Characteristic
}

func (s *Service) UUID() string { return s.uuid }

func (s *Service) GetCharacteristic(_ context.Context, uuid string) (device.Characteristic, error) {
	for _, c := range s.chars {
		if device.EqualUUID(c.uuid, uuid) {
			return c, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{s.uuid, uuid}}
}

func (s *Service) GetCharacteristics(context.Context) ([]device.Characteristic, error) {
	out := make([]device.Characteristic, len(s.chars))
	for i, c := range s.chars {
		out[i] = c
	}
	return out, nil
}

// Characteristic subscribes through the owning link's client.
type Characteristic struct {
	link *Link
	char *ble.Characteristic
	uuid string
}

func (c *Characteristic) UUID() string { return c.uuid }

func (c *Characteristic) GetProperties() device.Properties {
	return device.NewProperties(int(c.char.Property))
}

// indicate reports whether subscriptions must use indications: only when the
// characteristic offers indicate and not notify.
func (c *Characteristic) indicate() bool {
	return c.char.Property&ble.CharNotify == 0 && c.char.Property&ble.CharIndicate != 0
}

func (c *Characteristic) StartNotifications(handler func([]byte)) error {
	if !c.link.Connected() {
		return device.ErrNotConnected
	}
	err := c.link.client.Subscribe(c.char, c.indicate(), func(data []byte) {
		handler(data)
	})
	if err != nil {
		return device.NormalizeNotifyError(err)
	}
	c.link.logger.WithFields(logrus.Fields{
		"char_uuid": c.uuid,
		"indicate":  c.indicate(),
	}).Debug("Notifications started")
	return nil
}

func (c *Characteristic) StopNotifications() error {
	if !c.link.Connected() {
		return nil
	}
	return device.NormalizeError(c.link.client.Unsubscribe(c.char, c.indicate()))
}
