package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roman-kulish/spectrum-monitor/cmd/monitor/app"
	"github.com/roman-kulish/spectrum-monitor/internal/device"
	"github.com/roman-kulish/spectrum-monitor/internal/spectrum"
	"github.com/roman-kulish/spectrum-monitor/internal/storage"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List the serial ports of this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := device.ListPorts()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PORT\tUSB\tVID:PID\tSERIAL\tPRODUCT")
		for _, p := range ports {
			id := "-"
			if p.IsUSB {
				id = p.VID + ":" + p.PID
			}
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", p.Name, p.IsUSB, id, p.SerialNumber, p.Product)
		}
		return w.Flush()
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded monitoring sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store storage.Store) error {
			sessions, err := store.Sessions(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tPORT")
			for _, s := range sessions {
				port := s.Port
				if port == "" {
					port = "auto"
				}
				fmt.Fprintf(w, "%d\t%s (%s)\t%s\n", s.ID, s.StartTime.Local().Format(time.DateTime), app.FormatAge(s.StartTime), port)
			}
			return w.Flush()
		})
	},
}

var alertsFlags struct {
	session int64
	rangeID int
	since   time.Duration
	limit   int
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List recorded alerts, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []storage.ReaderOption
		if alertsFlags.session > 0 {
			opts = append(opts, storage.WithSession(alertsFlags.session))
		}
		if alertsFlags.rangeID > 0 {
			opts = append(opts, storage.WithRangeID(alertsFlags.rangeID))
		}
		if alertsFlags.since > 0 {
			opts = append(opts, storage.WithStartTime(time.Now().Add(-alertsFlags.since)))
		}
		opts = append(opts, storage.WithLimit(alertsFlags.limit))

		return withStore(cmd.Context(), func(ctx context.Context, store storage.Store) (err error) {
			r, err := store.ReadAlerts(ctx, opts...)
			if err != nil {
				return err
			}
			defer func() {
				if cErr := r.Close(); cErr != nil && err == nil {
					err = cErr
				}
			}()

			out := cmd.OutOrStdout()
			for r.Next(ctx) {
				a := r.Current()
				fmt.Fprintf(out, "[session %d] %s\n", a.SessionID, app.FormatAlert(&a.AlertEvent))
			}
			return r.Error()
		})
	},
}

var ignoreFlags struct {
	frequency float64
	amplitude float64
}

var ignoreCmd = &cobra.Command{
	Use:   "ignore",
	Short: "Manage known signals excluded from detection",
	Long: "Manage known signals excluded from detection. A signal matches a sample only on the exact " +
		"frequency and amplitude. Send SIGHUP to a running monitor to apply changes.",
}

var ignoreAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a known signal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sig := spectrum.Signal{FrequencyMHz: ignoreFlags.frequency, AmplitudeDBm: ignoreFlags.amplitude}
		return withStore(cmd.Context(), func(ctx context.Context, store storage.Store) error {
			return store.AddIgnoredSignal(ctx, sig)
		})
	},
}

var ignoreRemoveCmd = &cobra.Command{
	Use:     "rm",
	Aliases: []string{"remove"},
	Short:   "Remove a known signal",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sig := spectrum.Signal{FrequencyMHz: ignoreFlags.frequency, AmplitudeDBm: ignoreFlags.amplitude}
		return withStore(cmd.Context(), func(ctx context.Context, store storage.Store) error {
			removed, err := store.RemoveIgnoredSignal(ctx, sig)
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("signal %.3f MHz / %.1f dBm is not in the list", sig.FrequencyMHz, sig.AmplitudeDBm)
			}
			return nil
		})
	},
}

var ignoreListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List known signals",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store storage.Store) error {
			signals, err := store.IgnoredSignals(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FREQUENCY (MHz)\tAMPLITUDE (dBm)")
			for _, s := range signals {
				fmt.Fprintf(w, "%s\t%s\n",
					wireMHz(s.FrequencyMHz),
					strconv.FormatFloat(s.AmplitudeDBm, 'f', -1, 32))
			}
			return w.Flush()
		})
	},
}

var ignoreClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all known signals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store storage.Store) error {
			return store.ReplaceIgnoredSignals(ctx, nil)
		})
	},
}

func init() {
	alertsCmd.Flags().Int64Var(&alertsFlags.session, "session", 0, "Only alerts of this session")
	alertsCmd.Flags().IntVar(&alertsFlags.rangeID, "range", 0, "Only alerts of this range ID")
	alertsCmd.Flags().DurationVar(&alertsFlags.since, "since", 0, "Only alerts raised within this duration, e.g. 1h")
	alertsCmd.Flags().IntVarP(&alertsFlags.limit, "limit", "n", 50, "Maximum number of alerts, 0 for all")

	for _, cmd := range []*cobra.Command{ignoreAddCmd, ignoreRemoveCmd} {
		cmd.Flags().Float64VarP(&ignoreFlags.frequency, "frequency", "f", 0, "Signal frequency in MHz")
		cmd.Flags().Float64VarP(&ignoreFlags.amplitude, "amplitude", "a", 0, "Signal amplitude in dBm")
		_ = cmd.MarkFlagRequired("frequency")
		_ = cmd.MarkFlagRequired("amplitude")
	}

	ignoreCmd.AddCommand(ignoreAddCmd, ignoreRemoveCmd, ignoreListCmd, ignoreClearCmd)
}

// wireMHz formats a frequency with the fewest digits that identify the same
// float32 value in Hz.
func wireMHz(mhz float64) string {
	hz, err := strconv.ParseFloat(strconv.FormatFloat(mhz*1e6, 'g', -1, 32), 64)
	if err != nil {
		return strconv.FormatFloat(mhz, 'f', -1, 64)
	}
	return strconv.FormatFloat(hz/1e6, 'f', -1, 64)
}

// withStore opens the configured database for the duration of fn.
func withStore(ctx context.Context, fn func(ctx context.Context, store storage.Store) error) (err error) {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration file: %w", err)
	}

	store, err := app.OpenStorage(&config.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if cErr := store.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, store)
}
