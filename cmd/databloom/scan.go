package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/databloom/internal/device"
	"github.com/srg/databloom/internal/device/goble"
	"github.com/srg/databloom/internal/session"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List nearby BLE devices and mark micro:bit sensors",
	Long: `Scan for Bluetooth Low Energy advertisements and list the devices seen.

Devices advertising a micro:bit name are marked as sensors; their address can be
passed to "databloom monitor --address".`,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanSensorsOnly bool
)

// newScanner is replaced in tests.
var newScanner = func(logger *logrus.Logger) device.Scanner {
	return goble.NewTransport(logger)
}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 5*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanSensorsOnly, "sensors-only", false, "Only list micro:bit sensors")
	scanCmd.Flags().Bool("verbose", false, "Enable debug logging")
}

type scanEntry struct {
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	RSSI     int       `json:"rssi"`
	Services []string  `json:"services,omitempty"`
	Sensor   bool      `json:"sensor"`
	LastSeen time.Time `json:"last_seen"`
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("scan duration must be positive")
	}
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, scanDuration)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]scanEntry)

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "scanning", scanDuration)
	progress.Start()
	err = newScanner(logger).Scan(ctx, false, func(adv device.Advertisement) {
		sensor := session.IsSensorName(adv.Name)
		if scanSensorsOnly && !sensor {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		e := seen[adv.Address]
		// a scan response may arrive without the name
		if adv.Name != "" || e.Name == "" {
			e.Name = adv.Name
		}
		e.Address = adv.Address
		e.RSSI = adv.RSSI
		if len(adv.Services) > 0 {
			e.Services = adv.Services
		}
		e.Sensor = e.Sensor || sensor
		e.LastSeen = time.Now()
		seen[adv.Address] = e
	})
	progress.Stop()
	if err != nil {
		return err
	}

	mu.Lock()
	entries := make([]scanEntry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	mu.Unlock()
	sortEntries(entries)

	if scanFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	return writeScanTable(cmd.OutOrStdout(), entries, time.Now())
}

// sortEntries puts sensors first, then the strongest signal.
func sortEntries(entries []scanEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Sensor != entries[j].Sensor {
			return entries[i].Sensor
		}
		if entries[i].RSSI != entries[j].RSSI {
			return entries[i].RSSI > entries[j].RSSI
		}
		return entries[i].Address < entries[j].Address
	})
}

func writeScanTable(out io.Writer, entries []scanEntry, now time.Time) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSENSOR\tSERVICES\tLAST SEEN")
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		services := strings.Join(e.Services, ",")
		if len(services) > 36 {
			services = services[:33] + "..."
		}
		sensor := ""
		if e.Sensor {
			sensor = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\t%s ago\n",
			name, e.Address, e.RSSI, sensor, services, now.Sub(e.LastSeen).Truncate(time.Second))
	}
	return w.Flush()
}
