package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nimburion/dlqreplay/pkg/config"
	"github.com/nimburion/dlqreplay/pkg/observability/logger"
	"github.com/nimburion/dlqreplay/pkg/replay"
	"github.com/nimburion/dlqreplay/pkg/scheduler"
	"github.com/nimburion/dlqreplay/pkg/server"
	routerfactory "github.com/nimburion/dlqreplay/pkg/server/router/factory"
)

type loadFunc func(cmd *cobra.Command) (*config.Config, logger.Logger, error)

const (
	outputText = "text"
	outputJSON = "json"
)

func newServeCommand(opts CommandOptions, load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the public and management HTTP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, log, opts.Dependencies)
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyRun})
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, log logger.Logger, deps Dependencies) error {
	a, err := newApp(ctx, cfg, log, deps, cfg.Scheduler.Enabled)
	if err != nil {
		return err
	}
	// Close is idempotent; the shutdown hook normally runs first.
	defer a.Close()

	publicRouter, err := routerfactory.NewRouter(cfg.RouterType)
	if err != nil {
		return fmt.Errorf("create public router: %w", err)
	}
	a.registerRoutes(publicRouter)

	metricsRegistry, err := a.metricsRegistry()
	if err != nil {
		return err
	}

	runOpts := &server.RunHTTPServersOptions{
		Config:          cfg,
		PublicRouter:    publicRouter,
		Logger:          log,
		HealthRegistry:  a.healthRegistry(),
		MetricsRegistry: metricsRegistry,
		ShutdownHooks: []server.LifecycleHook{
			{Name: "close dependencies", Fn: func(context.Context) error { return a.Close() }},
		},
	}
	if a.scheduler != nil {
		runOpts.Background = append(runOpts.Background, server.LifecycleHook{Name: "scheduler", Fn: a.scheduler.Start})
	}

	servers, err := server.BuildHTTPServers(runOpts)
	if err != nil {
		return err
	}
	return server.RunHTTPServersWithSignals(servers, runOpts)
}

func newReplayCommand(opts CommandOptions, load loadFunc) *cobra.Command {
	var (
		hoursBack int
		output    string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay dead-lettered messages once and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != outputText && output != outputJSON {
				return fmt.Errorf("unsupported --output %q (supported: text, json)", output)
			}
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stopTracing, err := server.InitTracing(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("initialize tracing provider: %w", err)
			}
			defer stopTracing()

			a, err := newApp(ctx, cfg, log, opts.Dependencies, false)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := a.Close(); closeErr != nil {
					log.Error("failed to release dependencies", "error", closeErr)
				}
			}()

			summary, replayErr := a.replayer.Replay(ctx, hoursBack)
			if summary != nil {
				if err := printSummary(cmd.OutOrStdout(), output, summary); err != nil {
					return err
				}
			}
			if replayErr != nil {
				if errors.Is(replayErr, replay.ErrInvalidArgument) {
					return &ExitError{Code: 2, Err: replayErr}
				}
				return fmt.Errorf("replay failed: %w", replayErr)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&hoursBack, "hours", 0, "replay messages dead-lettered within the last N hours")
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "summary format (text, json)")
	_ = cmd.MarkFlagRequired("hours")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	return cmd
}

func printSummary(w io.Writer, format string, s *replay.Summary) error {
	if format == outputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run id\t%s\n", s.RunID)
	fmt.Fprintf(tw, "destination\t%s\n", s.Destination)
	if s.Subscription != "" {
		fmt.Fprintf(tw, "subscription\t%s\n", s.Subscription)
	}
	fmt.Fprintf(tw, "threshold\t%s\n", s.Threshold.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(tw, "fetched\t%d\n", s.Fetched)
	fmt.Fprintf(tw, "skipped\t%d\n", s.Skipped)
	fmt.Fprintf(tw, "replayed\t%d\n", s.Replayed)
	fmt.Fprintf(tw, "send failed\t%d\n", s.SendFailed)
	fmt.Fprintf(tw, "ack failed\t%d\n", s.AckFailed)
	fmt.Fprintf(tw, "unreadable\t%d\n", s.ReconstructionFailed)
	if s.NotAttempted > 0 {
		fmt.Fprintf(tw, "not attempted\t%d\n", s.NotAttempted)
	}
	if s.Truncated {
		fmt.Fprintf(tw, "truncated\t%s\n", "more messages may remain, run again")
	}
	fmt.Fprintf(tw, "duration\t%s\n", s.Duration())
	return tw.Flush()
}

func newSchedulerCommand(opts CommandOptions, load loadFunc) *cobra.Command {
	schedulerCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Scheduled replay commands",
	}
	SetCommandPolicies(schedulerCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured replay tasks without the HTTP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stopTracing, err := server.InitTracing(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("initialize tracing provider: %w", err)
			}
			defer stopTracing()

			a, err := newApp(ctx, cfg, log, opts.Dependencies, true)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := a.Close(); closeErr != nil {
					log.Error("failed to release dependencies", "error", closeErr)
				}
			}()
			return a.scheduler.Start(ctx)
		},
	}
	SetCommandPolicies(runCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyScheduled})
	schedulerCmd.AddCommand(runCmd)

	triggerCmd := &cobra.Command{
		Use:   "trigger TASK",
		Short: "Run one configured task now, under its distributed lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log, opts.Dependencies, true)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := a.Close(); closeErr != nil {
					log.Error("failed to release dependencies", "error", closeErr)
				}
			}()
			if err := a.scheduler.Trigger(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s triggered\n", args[0])
			return nil
		},
	}
	SetCommandPolicies(triggerCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyOnDemand})
	schedulerCmd.AddCommand(triggerCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the configured replay tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load(cmd)
			if err != nil {
				return err
			}
			tasks, err := scheduler.TasksFromConfig(cfg.Scheduler)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSCHEDULE\tTIMEZONE\tHOURS BACK\tMISFIRE")
			for _, task := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", task.Name, task.Schedule, task.Timezone, task.HoursBack, task.MisfirePolicy)
			}
			return tw.Flush()
		},
	}
	SetCommandPolicies(listCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	schedulerCmd.AddCommand(listCmd)

	return schedulerCmd
}

func newHealthcheckCommand(opts CommandOptions, load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the broker, history store and scheduler lock backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log, opts.Dependencies, cfg.Scheduler.Enabled)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := a.Close(); closeErr != nil {
					log.Error("failed to release dependencies", "error", closeErr)
				}
			}()

			result := a.healthRegistry().Check(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.IsHealthy() {
				return fmt.Errorf("dependencies are %s", result.Status)
			}
			return nil
		},
	}
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return cmd
}
