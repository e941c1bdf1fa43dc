//go:build linux

package main

import (
	"context"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/xdp-fastpath-go/devinfo"
	"github.com/romshark/xdp-fastpath-go/fastpath"
)

func newRunCmd(out io.Writer) *cobra.Command {
	var (
		duration  time.Duration
		count     uint64
		rate      int64
		frameSize uint32
		quiet     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, log, err := setup(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("duration") {
				conf.Duration = duration
			}
			if count != 0 {
				conf.Traffic.Count = count
			}
			if rate >= 0 {
				conf.Traffic.RatePPS = uint64(rate)
			}
			if frameSize != 0 {
				conf.Traffic.FrameSize = frameSize
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sim, err := newSimulator(conf, log, devinfo.Lookup)
			if err != nil {
				return err
			}
			report := out
			if quiet {
				report = nil
			}
			start := time.Now()
			sum, err := sim.run(ctx, report)
			if sum != nil {
				printSummary(out, sum, time.Since(start))
			}
			return err
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "run duration (0 runs until traffic drained)")
	cmd.Flags().Uint64VarP(&count, "count", "n", 0, "packet count override")
	cmd.Flags().Int64VarP(&rate, "rate", "r", -1, "traffic rate in PPS (<0 falls back to config)")
	cmd.Flags().Uint32VarP(&frameSize, "frame-size", "l", 0, "frame size override")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "no periodic stats")
	return cmd
}

func printSummary(w io.Writer, sum *Summary, elapsed time.Duration) {
	p := message.NewPrinter(language.English)
	p.Fprintf(w, "\nSummary (%s):\n", elapsed.Round(time.Millisecond))
	p.Fprintf(w, "  sent        %d", sum.Sent)
	if secs := elapsed.Seconds(); secs > 0 {
		p.Fprintf(w, " (%s pps)", humanize.SIWithDigits(float64(sum.Sent)/secs, 2, ""))
	}
	p.Fprintf(w, "\n")
	if sum.Checked > 0 || sum.Invalid > 0 {
		p.Fprintf(w, "  checked     %d (lost %d, reordered %d, invalid %d)\n",
			sum.Checked, sum.Lost, sum.Reordered, sum.Invalid)
	}
	for _, name := range slices.Sorted(maps.Keys(sum.Counters)) {
		total := sum.Counters[name].Total()
		p.Fprintf(w, "  %-10s  pass %d, tx %d, redirect %d, drop %d, aborted %d, invalid %d",
			name,
			total[fastpath.CounterPass], total[fastpath.CounterTx],
			total[fastpath.CounterRedirect], total[fastpath.CounterDrop],
			total[fastpath.CounterAborted], total[fastpath.CounterInvalid])
		p.Fprintf(w, ", delivered %d, wire drops %d\n", sum.Passed[name], sum.WireDrops[name])
	}
}
