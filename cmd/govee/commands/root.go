package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/wheelibin/goveed/internal/config"
	"github.com/wheelibin/goveed/internal/engine"
	"github.com/wheelibin/goveed/internal/env"
	"github.com/wheelibin/goveed/internal/events"
	"github.com/wheelibin/goveed/internal/models"
)

type engineContextKey struct{}

// NewRootCommand builds the CLI. Every subcommand runs against a freshly initialised engine.
func NewRootCommand(logger *log.Logger) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "govee",
		Short:        "Control Govee lights through the cloud api",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.InitialiseConfig(configFile); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger.SetLevel(env.ParseLevel(cfg.Log.Level))

			eng := engine.New(env.New(logger, cfg), engine.Options{})
			if err := eng.Initialise(cmd.Context()); err != nil {
				return fmt.Errorf("failed to initialise: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), engineContextKey{}, eng))
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file")

	cmd.AddCommand(
		newDevicesCommand(),
		newStateCommand(),
		newSetCommand(),
		newScenesCommand(),
		newWatchCommand(),
		newRateLimitCommand(),
	)
	return cmd
}

func engineFrom(cmd *cobra.Command) *engine.Engine {
	return cmd.Context().Value(engineContextKey{}).(*engine.Engine)
}

// resolveDevice accepts a device id or a case insensitive name
func resolveDevice(eng *engine.Engine, ref string) (models.Device, error) {
	device, ok := lo.Find(eng.GetDevices(), func(d models.Device) bool {
		return d.ID == ref || strings.EqualFold(d.Name, ref)
	})
	if !ok {
		return models.Device{}, fmt.Errorf("unknown device %q", ref)
	}
	return device, nil
}

func newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List discovered devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices := engineFrom(cmd).GetDevices()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSKU\tGROUP\tCAPABILITIES")
			for _, d := range devices {
				instances := lo.Map(d.Capabilities, func(c models.Capability, _ int) string { return c.Instance })
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", d.ID, d.Name, d.SKU, d.IsGroup, strings.Join(instances, ","))
			}
			return w.Flush()
		},
	}
}

func newStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "state [device]",
		Short: "Fetch and print the state of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := engineFrom(cmd)
			device, err := resolveDevice(eng, args[0])
			if err != nil {
				return err
			}
			result := eng.PollNow(cmd.Context())
			if err, failed := result.Failed[device.ID]; failed {
				return fmt.Errorf("failed to fetch state: %w", err)
			}
			state, ok := eng.GetState(device.ID)
			if !ok {
				return fmt.Errorf("no state available for %s", device.Name)
			}
			return printState(cmd, state)
		},
	}
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set [device] [property] [value]",
		Short: "Send a command: power, brightness, color, kelvin, scene, diy, segment-color, segment-brightness, music, nightlight, gradient",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := engineFrom(cmd)
			device, err := resolveDevice(eng, args[0])
			if err != nil {
				return err
			}
			scenes, _ := eng.CachedScenes(device.ID)
			command, err := ParseCommand(device.ID, args[1], args[2], scenes)
			if err != nil {
				return err
			}
			outcome, err := eng.Dispatch(cmd.Context(), command)
			if err != nil {
				return fmt.Errorf("command %s: %w", outcome.Status, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s via %s\n", device.Name, outcome.Status, outcome.Via)
			return nil
		},
	}
}

func newScenesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scenes [device]",
		Short: "List the scenes of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := engineFrom(cmd)
			device, err := resolveDevice(eng, args[0])
			if err != nil {
				return err
			}
			scenes, err := eng.RefreshScenes(cmd.Context(), device.ID)
			if err != nil {
				return err
			}
			sort.Slice(scenes, func(i, j int) bool { return scenes[i].Name < scenes[j].Name })
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDIY")
			for _, s := range scenes {
				fmt.Fprintf(w, "%d\t%s\t%t\n", s.ID, s.Name, s.DIY)
			}
			return w.Flush()
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the engine and print every state change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng := engineFrom(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sub := eng.Subscribe(events.AllDevices, events.ObserverFunc(func(state *models.DeviceState) {
				_ = printState(cmd, state)
			}))
			defer sub.Unsubscribe()
			signals := eng.SubscribeSignals(func(sig models.Signal) {
				fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s %s\n", sig.Severity, sig.IssueID, sig.Message)
			})
			defer signals.Unsubscribe()

			eng.Run(ctx)
			return nil
		},
	}
}

func newRateLimitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ratelimit",
		Short: "Print the remaining request budgets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			status := engineFrom(cmd).RateLimitStatus()
			fmt.Fprintf(cmd.OutOrStdout(), "minute: %d/%d (reset %s)\nday: %d/%d (reset %s)\n",
				status.MinuteRemaining, status.MinuteLimit, status.MinuteReset.Format("15:04:05"),
				status.DayRemaining, status.DayLimit, status.DayReset.Format("2006-01-02 15:04"))
			return nil
		},
	}
}

func printState(cmd *cobra.Command, state *models.DeviceState) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

// Execute runs the CLI and exits non-zero on failure
func Execute(logger *log.Logger) {
	if err := NewRootCommand(logger).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
