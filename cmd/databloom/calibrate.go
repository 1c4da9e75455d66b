package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/databloom/internal/calibration"
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Show or set the moisture calibration points",
	Long: `Store the raw moisture readings of dry and saturated soil so readings can be
shown as a percentage. Without flags the current points are printed.`,
	Example: `  databloom calibrate --dry 820 --wet 410
  databloom calibrate --reset`,
	Args: cobra.NoArgs,
	RunE: runCalibrate,
}

var (
	calibrateDry   float64
	calibrateWet   float64
	calibrateReset bool
)

func init() {
	calibrateCmd.Flags().Float64Var(&calibrateDry, "dry", 0, "Raw reading in dry soil")
	calibrateCmd.Flags().Float64Var(&calibrateWet, "wet", 0, "Raw reading in saturated soil")
	calibrateCmd.Flags().BoolVar(&calibrateReset, "reset", false, "Clear both points")
}

func runCalibrate(cmd *cobra.Command, _ []string) error {
	drySet, wetSet := cmd.Flags().Changed("dry"), cmd.Flags().Changed("wet")
	if calibrateReset && (drySet || wetSet) {
		return fmt.Errorf("--reset cannot be combined with --dry or --wet")
	}

	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()

	if !calibrateReset && !drySet && !wetSet {
		fmt.Fprintf(out, "Calibration: %s\n", cfg.Calibration)
		if !cfg.Calibration.IsCalibrated() {
			fmt.Fprintln(out, "Moisture is shown as raw readings until both points are set.")
		}
		return nil
	}

	if calibrateReset {
		cfg.Calibration = calibration.Points{}
	} else {
		var update calibration.Points
		if drySet {
			update.Dry = &calibrateDry
		}
		if wetSet {
			update.Wet = &calibrateWet
		}
		cfg.Calibration = cfg.Calibration.Merge(update)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("no config file location; pass --config")
	}
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Calibration saved to %s: %s\n", path, cfg.Calibration)
	return nil
}
