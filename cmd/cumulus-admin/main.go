// cumulus-admin is the operator CLI: user, project, role, network and zone
// management against the control-plane database and directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wisbric/cumulus/internal/app"
	"github.com/wisbric/cumulus/internal/config"
	"github.com/wisbric/cumulus/internal/telemetry"
)

// usageError marks operator mistakes so main can exit 2 instead of 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

func usagef(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

// exactArgs is cobra.ExactArgs returning a usage-class error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("%s expects %d argument(s), got %d", cmd.Name(), n, len(args))
		}
		return nil
	}
}

// deps is populated once in main before commands run.
var deps *app.Deps

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	os.Exit(run(ctx))
}

func run(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		return 1
	}
	logger := telemetry.NewLogger("text", "warn")
	slog.SetDefault(logger)

	built, cleanup, err := app.BuildDeps(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	deps = built
	defer cleanup()

	root := &cobra.Command{
		Use:           "cumulus-admin",
		Short:         "Administer the cumulus control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(userCommands(), projectCommands(), roleCommands(),
		networkCommands(), floatingCommands(), zoneCommands(),
		serviceCommands(), firewallCommands())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ue usageError
		if errors.As(err, &ue) {
			return 2
		}
		return 1
	}
	return 0
}
