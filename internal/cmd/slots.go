package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/rhythm/internal/config"
	"github.com/harrison/rhythm/internal/kv"
	"github.com/harrison/rhythm/internal/logger"
	"github.com/harrison/rhythm/internal/store"
)

// NewSlotsCommand creates the slots command
func NewSlotsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "List the session records stored on the surface",
		Long: `List every slot record on the configured surface with its state, its
share of the byte cap and its counters. With --raw the record lines are
printed as stored.

The memory surface lives only inside one process, so it always lists empty.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			handles := newSurfaces(cfg, nil)
			defer handles.Close()
			surface, err := handles.Open(cmd.Context())
			if err != nil {
				return err
			}

			sessions := newStore(cfg, surface).Sessions(cmd.Context())
			if raw, _ := cmd.Flags().GetBool("raw"); raw {
				for _, s := range sessions {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", s.Slot, s.Line())
				}
				return nil
			}
			logger.NewConsoleLogger(cmd.OutOrStdout(), "info").LogSlots(sessions, cfg.ByteCap)
			return nil
		},
	}
	cmd.Flags().Bool("raw", false, "Print raw record lines")
	return cmd
}

// newStore opens the slot store the engines of cfg would use.
func newStore(cfg *config.Config, surface kv.Surface) *store.Store {
	return store.New(surface, store.Options{
		Prefix:      cfg.KeyPrefix,
		MaxSlots:    cfg.MaxSlots,
		ByteCap:     cfg.ByteCap,
		TTL:         cfg.Retention,
		DefaultSlot: cfg.DefaultSlot,
	})
}
