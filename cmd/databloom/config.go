package main

import (
	"github.com/spf13/cobra"
	"github.com/srg/databloom/pkg/config"
)

// loadConfig resolves --config (or the default location) and loads it over the defaults.
// The returned path is where the config should be saved back, empty when unknown.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}
