package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalfence/redisrate"
)

var resetCmd = &cobra.Command{
	Use:   "reset KEY...",
	Short: "Reset rate limit state for keys on every instance",
	Long: `Delete the stored state for each KEY and publish a reset event so that
running instances drop their cached decisions for it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		be, err := openBackend(cmd.Context(), cfg.Redis, cfg.StoreOptions())
		if err != nil {
			return err
		}
		defer be.close()

		limiter, err := redisrate.New(be.store, cfg.LimiterOptions()...)
		if err != nil {
			return err
		}

		for _, key := range args {
			if err := limiter.Reset(cmd.Context(), key); err != nil {
				return fmt.Errorf("reset %q: %w", key, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", key)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
