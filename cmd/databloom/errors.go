package main

import (
	"context"
	"errors"

	"github.com/srg/databloom/internal/device"
	"github.com/srg/databloom/internal/monitor"
	"github.com/srg/databloom/internal/session"
)

// ErrConnectionLost is returned by monitor when the link drops and reconnects are disabled.
var ErrConnectionLost = errors.New("connection lost")

// FormatUserError turns err into the one-line message printed by main.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var discovery *session.DiscoveryError
	var negotiation *session.NegotiationError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.Is(err, device.ErrUnsupported):
		return "Bluetooth is not available on this platform. Try --simulate or --virtual."
	case errors.As(err, &discovery):
		return "No micro:bit found. Check that it is powered, running the sensor firmware and within range."
	case errors.Is(err, device.ErrNothingMatched):
		return "No matching device found."
	case errors.As(err, &negotiation):
		return negotiation.Error()
	case errors.Is(err, device.ErrNotifyUnsupported):
		return "The micro:bit refused notifications. Pair it first or flash firmware built with \"No pairing required\"."
	case errors.Is(err, session.ErrNotSensor):
		return "The selected device is not a micro:bit."
	case errors.Is(err, session.ErrNoDevice):
		return "No device to reconnect to. Connect once first."
	case errors.Is(err, monitor.ErrSimulatorRunning):
		return "The simulator is running. Stop it before connecting to a sensor."
	case errors.Is(err, ErrConnectionLost):
		return "Connection to the sensor was lost."
	case errors.Is(err, device.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "Timed out waiting for the sensor."
	default:
		return err.Error()
	}
}
