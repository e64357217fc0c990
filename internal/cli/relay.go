package cli

import (
	"github.com/spf13/cobra"
)

// NewRelayCommand runs only the outbox relay.
func NewRelayCommand(root *RootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Deliver pending outbox events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, root, "relay")
			if err != nil {
				return err
			}
			defer rt.close()

			if once {
				res, err := rt.app.Relay.RunOnce(ctx)
				if err != nil {
					return err
				}
				cmd.Printf("recovered=%d claimed=%d delivered=%d retried=%d failed=%d dead_lettered=%d\n",
					res.Recovered, res.Claimed, res.Delivered, res.Retried, res.Failed, res.DeadLettered)
				return nil
			}

			rt.log.Info().Str("endpoint", rt.cfg.Outbox.Endpoint).Msg("outbox relay started")
			err = rt.app.Relay.Run(ctx)
			sctx, cancel := waitStopped(rt.cfg.ShutdownTimeout)
			defer cancel()
			if serr := rt.app.Relay.Shutdown(sctx); serr != nil {
				rt.log.Warn().Err(serr).Msg("relay shutdown")
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}
