// Package migrate runs the up/down/status commands against a schema owned by the service.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/nimburion/dlqreplay/pkg/observability/logger"
)

// Commands accepted by Run.
const (
	CommandUp     = "up"
	CommandDown   = "down"
	CommandStatus = "status"
)

const defaultTimeout = 60 * time.Second

// PendingMigration is a migration not applied yet.
type PendingMigration struct {
	Version int64
	Name    string
}

// Status lists applied versions in order and the migrations still pending.
type Status struct {
	AppliedVersions []int64
	Pending         []PendingMigration
}

// Operations are the schema-specific hooks. Up and Down return how many migrations they ran.
type Operations struct {
	Up     func(ctx context.Context) (int, error)
	Down   func(ctx context.Context, steps int) (int, error)
	Status func(ctx context.Context) (*Status, error)
}

// Options configures a migration run.
type Options struct {
	ServiceName string
	// Schema names what is migrated in log lines, e.g. "history".
	Schema  string
	Timeout time.Duration
	Logger  logger.Logger
	// Out receives the status table. Status is only logged when nil.
	Out io.Writer
}

// Run parses [up|down|status] [steps] and executes the command.
func Run(ctx context.Context, args []string, opts Options, ops Operations) error {
	command, steps, err := ParseArgs(args)
	if err != nil {
		return err
	}
	return RunParsed(ctx, command, steps, opts, ops)
}

// RunParsed executes a parsed command under opts.Timeout (one minute when unset).
func RunParsed(ctx context.Context, command string, steps int, opts Options, ops Operations) error {
	switch {
	case opts.Logger == nil:
		return errors.New("migration logger is required")
	case opts.ServiceName == "":
		return errors.New("migration service name is required")
	case ops.Up == nil || ops.Down == nil || ops.Status == nil:
		return errors.New("migration operations are incomplete")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := opts.Logger.With("schema", opts.Schema, "command", command)
	switch command {
	case CommandUp:
		applied, err := ops.Up(ctx)
		if err != nil {
			return err
		}
		log.Info("migrations applied", "count", applied)
	case CommandDown:
		if steps <= 0 {
			return errors.New("steps must be greater than zero")
		}
		reverted, err := ops.Down(ctx, steps)
		if err != nil {
			return err
		}
		log.Info("migrations reverted", "count", reverted, "steps", steps)
	case CommandStatus:
		status, err := ops.Status(ctx)
		if err != nil {
			return err
		}
		log.Info("migration status", "applied", len(status.AppliedVersions), "pending", len(status.Pending))
		if opts.Out != nil {
			return writeStatus(opts.Out, status)
		}
	default:
		return fmt.Errorf("usage: %s migrate [up|down|status] [steps]", opts.ServiceName)
	}
	return nil
}

// ParseArgs parses [up|down|status] [steps]; no arguments means "up", no steps means 1.
func ParseArgs(args []string) (string, int, error) {
	command, steps := CommandUp, 1
	if len(args) > 0 {
		command = args[0]
	}
	if len(args) > 1 {
		parsed, err := strconv.Atoi(args[1])
		if err != nil {
			return "", 0, fmt.Errorf("invalid down steps %q", args[1])
		}
		steps = parsed
	}
	return command, steps, nil
}

func writeStatus(w io.Writer, status *Status) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tNAME")
	for _, version := range status.AppliedVersions {
		fmt.Fprintf(tw, "%d\tapplied\t\n", version)
	}
	for _, pending := range status.Pending {
		fmt.Fprintf(tw, "%d\tpending\t%s\n", pending.Version, pending.Name)
	}
	return tw.Flush()
}
