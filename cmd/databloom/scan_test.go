package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/databloom/internal/device"
	"github.com/stretchr/testify/suite"
)

type fakeScanner struct {
	advs []device.Advertisement
	err  error
}

func (f *fakeScanner) Scan(_ context.Context, _ bool, handler func(device.Advertisement)) error {
	for _, a := range f.advs {
		handler(a)
	}
	return f.err
}

type ScanTestSuite struct {
	CommandTestSuite
	scanner  *fakeScanner
	original func(*logrus.Logger) device.Scanner
}

func (s *ScanTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.scanner = &fakeScanner{advs: []device.Advertisement{
		{Name: "Phone", Address: "11:22:33:44:55:66", RSSI: -40},
		{Name: "BBC micro:bit [zogav]", Address: "c4:a1:0e:55:21:07", RSSI: -71,
			Services: []string{"6e400001b5a3f393e0a9e50e24dcca9e"}},
		{Address: "c4:a1:0e:55:21:07", RSSI: -69},
		{Name: "Thermostat", Address: "aa:bb:cc:dd:ee:ff", RSSI: -80},
	}}
	s.original = newScanner
	newScanner = func(*logrus.Logger) device.Scanner { return s.scanner }
}

func (s *ScanTestSuite) TearDownTest() {
	newScanner = s.original
}

func (s *ScanTestSuite) TestTable_SensorsFirst() {
	stdout, _, err := s.ExecuteCommand("scan", "--duration", "50ms")
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	s.Require().Len(lines, 4)
	s.Contains(lines[0], "NAME")
	s.Contains(lines[0], "SENSOR")
	s.Contains(lines[1], "BBC micro:bit [zogav]")
	s.Contains(lines[1], "-69 dBm")
	s.Contains(lines[1], "yes")
	s.Contains(lines[2], "Phone")
	s.Contains(lines[3], "Thermostat")
}

func (s *ScanTestSuite) TestJSON_SensorsOnly() {
	stdout, _, err := s.ExecuteCommand("scan", "--duration", "50ms", "--format", "json", "--sensors-only")
	s.Require().NoError(err)

	var entries []scanEntry
	s.Require().NoError(json.Unmarshal([]byte(stdout), &entries))
	s.Require().Len(entries, 1)
	s.Equal("BBC micro:bit [zogav]", entries[0].Name)
	s.Equal("c4:a1:0e:55:21:07", entries[0].Address)
	s.True(entries[0].Sensor)
	s.Equal([]string{"6e400001b5a3f393e0a9e50e24dcca9e"}, entries[0].Services)
}

func (s *ScanTestSuite) TestNothingSeen() {
	s.scanner.advs = nil
	stdout, _, err := s.ExecuteCommand("scan", "--duration", "50ms")
	s.Require().NoError(err)
	s.Equal("No devices discovered\n", stdout)
}

func (s *ScanTestSuite) TestScanFailure() {
	s.scanner.err = device.ErrBluetoothOff
	_, _, err := s.ExecuteCommand("scan", "--duration", "50ms")
	s.True(errors.Is(err, device.ErrBluetoothOff))
}

func (s *ScanTestSuite) TestInvalidFormat() {
	_, _, err := s.ExecuteCommand("scan", "--format", "xml")
	s.EqualError(err, "invalid format 'xml': must be one of [table json]")
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}
