package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/opsync/internal/app"
)

// NewAgentCommand creates the root command of the background retry agent.
// It runs independently of the application and exits on SIGINT or SIGTERM.
func NewAgentCommand() *cobra.Command {
	opts := &RootOptions{}
	var once bool

	cmd := &cobra.Command{
		Use:   "opsync-agent",
		Short: "Deliver changes the application could not push",
		Long: `opsync-agent replays changes handed to its outbox until each one is applied,
rejected, or expires. Outcomes are reported back to the application through the
notify directory.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			app.ConfigureLogging(cfg, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ag, err := app.OpenAgent(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer ag.Close()

			if once {
				res, err := ag.Agent.Sweep(ctx)
				p := NewPrinter(opts.Format, cmd.OutOrStdout())
				if p.JSON() {
					if perr := p.Emit(res); perr != nil {
						return perr
					}
				} else {
					p.Field("Delivered", res.Delivered)
					p.Field("Conflicts", res.Conflicts)
					p.Field("Rejected", res.Rejected)
					p.Field("Expired", res.Expired)
					p.Field("Remaining", res.Remaining)
				}
				return err
			}
			return ag.Agent.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML)")
	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "data directory (overrides config)")
	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format for --once (json|text)")
	cmd.Flags().BoolVar(&once, "once", false, "make a single pass over the outbox and exit")
	return cmd
}
