package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/harrison/rhythm/internal/beat"
	"github.com/harrison/rhythm/internal/config"
)

// NewHashCommand creates the hash command
func NewHashCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash <path>...",
		Short: "Print the page tokens of paths",
		Long: `Print the token a page view of each path is recorded as. Paths with a
configured literal token print that token; others print their hash.

Example:
  rhythm hash /about /contact /products/laptop`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			printHashes(cmd.OutOrStdout(), cfg, args)
			return nil
		},
	}
	return cmd
}

func printHashes(w io.Writer, cfg *config.Config, paths []string) {
	for _, path := range paths {
		if token, ok := cfg.Pages[path]; ok {
			fmt.Fprintf(w, "%s\t%s\t(literal)\n", path, token)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", path, beat.HashToken(path))
	}
}
