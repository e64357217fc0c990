package cli

import (
	"github.com/spf13/cobra"

	"github.com/tbourn/go-dispatch-backend/internal/services"
)

// NewWorkerCommand runs only the dispatch worker.
func NewWorkerCommand(root *RootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Dispatch queued automation runs to the provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, root, "worker")
			if err != nil {
				return err
			}
			defer rt.close()

			if !rt.app.Dispatching {
				return services.ErrProviderMissing
			}

			if once {
				res, err := rt.app.Worker.RunOnce(ctx)
				if err != nil {
					return err
				}
				cmd.Printf("claimed=%d done=%d retried=%d failed=%d dead=%d\n",
					res.Claimed, res.Done, res.Retried, res.Failed, res.Dead)
				return nil
			}

			rt.log.Info().Str("provider", rt.cfg.Provider.URL).Msg("dispatch worker started")
			err = rt.app.Worker.Run(ctx)
			sctx, cancel := waitStopped(rt.cfg.ShutdownTimeout)
			defer cancel()
			if serr := rt.app.Worker.Shutdown(sctx); serr != nil {
				rt.log.Warn().Err(serr).Msg("worker shutdown")
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}
