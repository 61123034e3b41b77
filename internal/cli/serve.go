package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/opsync/internal/logging"
	syncpkg "github.com/kimhsiao/opsync/internal/sync"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run background sync and the local API until interrupted",
		Long: `Run the sync scheduler, reconcile retry-agent notices as they arrive, and
serve the local HTTP API and websocket event feed for user interfaces.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr != "" {
				a.Config.API.Addr = addr
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.WithComponent("serve")
			server := a.API()

			a.Scheduler.Start(ctx)
			defer a.Scheduler.Stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.Listener.Run(gctx) })
			g.Go(func() error { return server.ListenAndServe(gctx) })

			// Changes left over from the last run go out without waiting for the timer.
			a.Coordinator.Trigger(syncpkg.ReasonQueue)

			log.Info("opsync serving", map[string]interface{}{
				"device": a.DeviceID,
				"addr":   a.Config.API.Addr,
			})
			if err := g.Wait(); err != nil {
				return err
			}
			log.Info("opsync stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides api.addr)")
	return cmd
}
