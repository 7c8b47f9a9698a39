package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/rhythm/internal/beat"
	"github.com/harrison/rhythm/internal/config"
	"github.com/harrison/rhythm/internal/dom"
	"github.com/harrison/rhythm/internal/store"
)

// NewDecodeCommand creates the decode command
func NewDecodeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode <flow-or-record>",
		Short: "Print the units of a BEAT flow",
		Long: `Decode a BEAT flow, or a full session record line, into its units.

Page tokens are resolved against the configured literal pages. A truncated
tail is reported instead of failing.

Examples:
  rhythm decode '!yke~20*2button1.30'
  rhythm decode '0_1_7_2_1_1700000000_12_1_0_!yke~20*2button1'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return decodeFlow(cmd.OutOrStdout(), cfg, args[0])
		},
	}
	return cmd
}

func decodeFlow(w io.Writer, cfg *config.Config, input string) error {
	alphabet, err := cfg.BeatAlphabet()
	if err != nil {
		return err
	}

	flow := input
	if sess, err := store.ParseLine(input); err == nil {
		fmt.Fprintf(w, "slot record: state=%s secure=%t addons=%d device=%d referrer=%d\n",
			sess.State, sess.Secure, sess.Addons, sess.Device, sess.Referrer)
		fmt.Fprintf(w, "  start=%s duration=%s clicks=%d scrolls=%d\n",
			sess.Start.UTC().Format(time.RFC3339), sess.Duration, sess.Clicks, sess.Scrolls)
		flow = sess.Flow
	}

	// Reverse the literal page table so tokens print with their path.
	paths := make(map[string]string, len(cfg.Pages))
	for path, token := range cfg.Pages {
		paths[token] = path
	}

	units, dropped := beat.Decode(flow, alphabet)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tTOKEN\tDETAIL")
	for _, u := range units {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", u.Kind, u.Token, unitDetail(u, paths, cfg.TickUnit))
	}
	tw.Flush()

	ticks := beat.TotalTicks(units)
	fmt.Fprintf(w, "%d units, %d ticks (%s)\n", len(units), ticks, time.Duration(ticks)*cfg.TickUnit)
	if dropped > 0 {
		fmt.Fprintf(w, "dropped %d truncated bytes: %q\n", dropped, flow[len(flow)-dropped:])
	}
	return nil
}

func unitDetail(u beat.Unit, paths map[string]string, tick time.Duration) string {
	var parts []string
	switch u.Kind {
	case beat.KindTime:
		parts = append(parts, (time.Duration(u.Ticks) * tick).String())
	case beat.KindTabRef:
		parts = append(parts, fmt.Sprintf("slot %d", u.Slot()))
	case beat.KindPage:
		if path, ok := paths[u.Token]; ok {
			parts = append(parts, path)
		}
	case beat.KindElement:
		if el, ok := dom.ParseElement(u.Token); ok {
			parts = append(parts, fmt.Sprintf("<%s> depth %d sibling %d", el.Tag, el.Depth, el.Index))
		} else {
			parts = append(parts, "literal")
		}
	}
	if len(u.Repeats) > 0 {
		gaps := make([]string, len(u.Repeats))
		for i, r := range u.Repeats {
			gaps[i] = (time.Duration(r) * tick).String()
		}
		parts = append(parts, "repeated after "+strings.Join(gaps, ", "))
	}
	return strings.Join(parts, "; ")
}
