// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package main

import (
	"github.com/spf13/cobra"

	"github.com/tomtom215/scribesync/internal/app"
	"github.com/tomtom215/scribesync/internal/config"
	"github.com/tomtom215/scribesync/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "scribesync",
		Short:         "Offline-first clinical encounter capture and sync",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newRunCmd(opts),
		newSyncCmd(opts),
		newStatusCmd(opts),
		newConflictsCmd(opts),
		newRetryCmd(opts),
		newImportCmd(opts),
		newEditCmd(opts),
	)
	return root
}

// loadConfig reads the layered configuration and initializes logging.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	return cfg, nil
}

// openApp builds the application for a one-shot command.
func (o *rootOptions) openApp() (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, app.Options{})
}
