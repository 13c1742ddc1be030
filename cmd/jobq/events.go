package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/UniQw/jobq"
	"github.com/spf13/cobra"
)

func newEventsCmd(a *app) *cobra.Command {
	var (
		from   string
		count  int64
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events <queue>",
		Short: "Print the events of a queue",
		Long: `Print the events of a queue, oldest first, starting after --from.
With --follow, wait for new events until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(args[0])
			if err != nil {
				return err
			}
			ctx, out := cmd.Context(), cmd.OutOrStdout()
			evs, err := q.Events(ctx, from, count)
			if err != nil {
				return err
			}
			last := from
			for _, e := range evs {
				printEvent(out, e)
				last = e.ID
			}
			if !follow {
				return nil
			}
			if last == "" {
				if last, err = q.LastEventID(ctx); err != nil {
					return err
				}
			}
			return tailEvents(ctx, q, last, out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&from, "from", "", "stream id to start after (empty for the beginning)")
	f.Int64Var(&count, "count", 100, "maximum number of events to print before following")
	f.BoolVarP(&follow, "follow", "f", false, "wait for new events")
	return cmd
}

func tailEvents(ctx context.Context, q *jobq.Queue, after string, out io.Writer) error {
	for {
		evs, err := q.WaitEvents(ctx, after, 5*time.Second)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, e := range evs {
			printEvent(out, e)
			after = e.ID
		}
	}
}

func printEvent(w io.Writer, e jobq.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-16s", e.Time().Format(time.RFC3339Nano), e.Type)
	if e.JobID != "" {
		fmt.Fprintf(&b, " job=%s", e.JobID)
	}
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		fmt.Fprintf(&b, " %s=%q", k, e.Fields[k])
	}
	fmt.Fprintln(w, b.String())
}
