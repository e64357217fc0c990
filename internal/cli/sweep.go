package cli

import (
	"github.com/spf13/cobra"
)

// NewSweepCommand purges expired idempotency records and nonces once.
func NewSweepCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired idempotency keys and webhook nonces",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := bootstrap(ctx, root, "cli")
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.app.Sweep(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("idempotency_keys=%d nonces=%d\n", res.IdempotencyKeys, res.Nonces)
			return nil
		},
	}
}
