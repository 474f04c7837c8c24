// Scribe Sync - Offline-first clinical encounter capture and sync engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scribesync

package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/scribesync/internal/app"
	"github.com/tomtom215/scribesync/internal/capture"
	"github.com/tomtom215/scribesync/internal/logging"
	"github.com/tomtom215/scribesync/internal/models"
)

// --- run ---

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon until interrupted",
		Long: `Run the supervised sync daemon: network monitor, sync engine,
realtime stream, store housekeeping and the local control API.

SIGINT or SIGTERM stops every service and closes the store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logging.Info().Str("version", version).Msg("Starting scribesync")

			a, err := app.New(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logging.Error().Err(err).Msg("Error closing application")
				}
			}()

			if err := a.Run(cmd.Context()); err != nil {
				return err
			}
			logging.Info().Msg("Application stopped gracefully")
			return nil
		},
	}
}

// --- sync ---

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			if _, err := a.Store().RecoverInFlight(ctx); err != nil {
				return err
			}
			report, err := a.Engine().TriggerSync(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, report)
			}
			fmt.Fprintf(out, "Sync finished in %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
			printField(out, "attempted", "%d", report.Attempted)
			printField(out, "synced", "%d", report.Synced)
			printField(out, "failed", "%d", report.Failed)
			printField(out, "terminal", "%d", report.Terminal)
			printField(out, "conflicts", "%d", report.Conflicts)
			printField(out, "blocked", "%d", report.Blocked)
			return nil
		},
	}
}

// --- status ---

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued work, conflicts and the last sync time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stats, err := a.Store().Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, stats)
			}
			last := "never"
			if !stats.LastSyncAt.IsZero() {
				last = stats.LastSyncAt.Local().Format(time.RFC3339)
			}
			fmt.Fprintln(out, "Queue")
			printField(out, "encounters", "%d %s", stats.Encounters, breakdown(stats.EncountersByStat))
			printField(out, "operations", "%d %s", stats.Ops, breakdown(stats.OpsByStatus))
			printField(out, "open conflicts", "%d", stats.Conflicts)
			printField(out, "audio", "%.1f MB", float64(stats.AudioBytes)/(1024*1024))
			printField(out, "last sync", "%s", last)
			return nil
		},
	}
}

func breakdown(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// --- conflicts ---

func newConflictsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List open conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			recs, err := a.Store().ListConflicts(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, "No open conflicts")
				return nil
			}
			rows := make([]string, 0, len(recs))
			for _, rec := range recs {
				serverVersion := ""
				if rec.Server != nil {
					serverVersion = rec.Server.Version
				}
				rows = append(rows, fmt.Sprintf("%s\t%s\t%s", rec.EncounterID, serverVersion, rec.DetectedAt.Local().Format(time.RFC3339)))
			}
			return table(out, "ENCOUNTER\tSERVER VERSION\tDETECTED", rows)
		},
	}

	var policy string
	resolve := &cobra.Command{
		Use:   "resolve <encounter-id>",
		Short: "Resolve a conflict with the local, server or merge policy",
		Long: `Resolve a conflict.

Policies:
  local   keep the local copy and force it onto the server
  server  replace the local copy with the server's
  merge   replay local edits onto the server copy; sections both sides
          changed keep the local text and are flagged for review`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			enc, err := a.Resolver().Resolve(cmd.Context(), args[0], models.ConflictPolicy(policy))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, enc)
			}
			fmt.Fprintf(out, "Resolved %s with %s policy, now %s\n", enc.ID, policy, enc.Status)
			if len(enc.ReviewSections) > 0 {
				fmt.Fprintf(out, "Review sections: %s\n", strings.Join(enc.ReviewSections, ", "))
			}
			return nil
		},
	}
	resolve.Flags().StringVar(&policy, "policy", string(models.PolicyMerge), "resolution policy: local, server or merge")

	cmd.AddCommand(list, resolve)
	return cmd
}

// --- retry ---

func newRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <op-id>",
		Short: "Re-arm a failed operation for the next sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			op, err := a.Engine().Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, op)
			}
			fmt.Fprintf(out, "Operation %s (%s %s) is %s\n", op.ID, op.Type, op.EncounterID, op.Status)
			return nil
		},
	}
}

// --- import ---

func newImportCmd(opts *rootOptions) *cobra.Command {
	var (
		patientID     string
		encounterID   string
		encounterType string
		language      string
		syncAfter     bool
	)
	cmd := &cobra.Command{
		Use:   "import <file.wav>",
		Short: "Queue a WAV recording as an offline encounter",
		Long: `Queue a 16-bit PCM WAV recording as an encounter captured offline.

The audio is copied into the recordings directory and create plus
upload-audio operations are queued in one transaction.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if patientID == "" || encounterID == "" {
				return errors.New("--patient and --encounter are required")
			}
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx := cmd.Context()
			res, err := a.ImportRecording(ctx, args[0], patientID, encounterID, capture.Options{
				EncounterType: encounterType,
				Language:      language,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !opts.jsonOut {
				fmt.Fprintf(out, "Queued %s (%.1fs of audio)\n", res.Encounter.ID, res.Encounter.AudioDurationSec)
			}

			if !syncAfter {
				if opts.jsonOut {
					return printJSON(out, res.Encounter)
				}
				return nil
			}
			report, err := a.Engine().TriggerSync(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(out, report)
			}
			fmt.Fprintf(out, "Synced %d of %d operations\n", report.Synced, report.Attempted)
			return nil
		},
	}
	cmd.Flags().StringVar(&patientID, "patient", "", "patient id")
	cmd.Flags().StringVar(&encounterID, "encounter", "", "encounter id")
	cmd.Flags().StringVar(&encounterType, "type", "", "encounter type")
	cmd.Flags().StringVar(&language, "language", "", "spoken language")
	cmd.Flags().BoolVar(&syncAfter, "sync", false, "run a sync pass after queueing")
	return cmd
}

// --- edit ---

func newEditCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <encounter-id> <section> <text>",
		Short: "Edit one SOAP section and queue the update",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			enc, err := a.Engine().EditSection(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.jsonOut {
				return printJSON(out, enc)
			}
			fmt.Fprintf(out, "Updated %s of %s, now %s\n", args[1], enc.ID, enc.Status)
			return nil
		},
	}
}
