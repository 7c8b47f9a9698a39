package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/rhythm/internal/engine"
)

// NewFlushCommand creates the flush command
func NewFlushCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Send every stored session to the sinks",
		Long: `Run a forced batch on the configured surface: every slot record is
collected, sessions at or above the click threshold are delivered to the
configured sinks and all slots are cleared. Blocked sessions are discarded.

Without --force only closed sessions and open ones idle past the recovery
window are collected, as a running tab would.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")

			log, closeLog, err := buildLogger(cfg, cmd.ErrOrStderr(), time.Now)
			if err != nil {
				return err
			}
			defer closeLog()
			m, _ := newMetrics()
			dispatcher, err := buildDispatcher(cfg, cmd.OutOrStdout(), m, log)
			if err != nil {
				return err
			}
			defer dispatcher.Close()

			handles := newSurfaces(cfg, time.Now)
			defer handles.Close()
			surface, err := handles.Open(cmd.Context())
			if err != nil {
				return err
			}

			opts, err := engineOptions(cfg)
			if err != nil {
				return err
			}
			opts.Dispatcher = dispatcher
			opts.Logger = log
			opts.Metrics = m

			res := engine.New(surface, opts).Batch(cmd.Context(), force)
			dispatcher.Wait()
			fmt.Fprintf(cmd.ErrOrStderr(), "collected %d slot(s): %d sent, %d discarded\n",
				len(res.Slots), res.Sent, res.Discarded)
			return nil
		},
	}
	cmd.Flags().Bool("force", true, "Collect open sessions too")
	return cmd
}
