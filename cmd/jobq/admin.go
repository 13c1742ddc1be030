package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/UniQw/jobq"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

func newAddCmd(a *app) *cobra.Command {
	var (
		id          string
		delay       time.Duration
		priority    int
		attempts    int
		backoff     string
		backoffWait time.Duration
		lifo        bool
	)
	cmd := &cobra.Command{
		Use:   "add <queue> <name> [json-payload]",
		Short: "Add a job",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(args[0])
			if err != nil {
				return err
			}
			var payload any
			if len(args) == 3 {
				if !sonic.Valid([]byte(args[2])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[2])
			}
			opts := []jobq.Option{jobq.Delay(delay), jobq.Priority(priority), jobq.Attempts(attempts)}
			if id != "" {
				opts = append(opts, jobq.JobID(id))
			}
			if backoff != "" {
				opts = append(opts, jobq.Backoff(backoff, backoffWait))
			}
			if lifo {
				opts = append(opts, jobq.LIFO())
			}
			j, err := q.Add(cmd.Context(), args[1], payload, opts...)
			if err != nil {
				return err
			}
			switch {
			case j.Duplicate:
				fmt.Fprintf(cmd.OutOrStdout(), "%s (existing)\n", j.ID)
			default:
				fmt.Fprintln(cmd.OutOrStdout(), j.ID)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "custom job id")
	f.DurationVar(&delay, "delay", 0, "run the job after this delay")
	f.IntVar(&priority, "priority", 0, "priority, lower runs first (0 is none)")
	f.IntVar(&attempts, "attempts", 1, "total attempts")
	f.StringVar(&backoff, "backoff", "", "backoff between attempts: fixed, exponential or exponential-jitter")
	f.DurationVar(&backoffWait, "backoff-delay", time.Second, "base backoff delay")
	f.BoolVar(&lifo, "lifo", false, "run before the jobs already waiting")
	return cmd
}

func newCountsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "counts [queue...]",
		Short: "Print job counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = a.cfg.QueueNames()
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			header := []string{"QUEUE", "PAUSED"}
			for _, s := range jobq.AllStates {
				header = append(header, strings.ToUpper(string(s)))
			}
			fmt.Fprintln(tw, strings.Join(header, "\t"))
			for _, name := range args {
				q, err := a.queue(name)
				if err != nil {
					return err
				}
				counts, err := q.GetJobCounts(cmd.Context())
				if err != nil {
					return err
				}
				paused, err := q.IsPaused(cmd.Context())
				if err != nil {
					return err
				}
				row := []string{name, fmt.Sprint(paused)}
				for _, s := range jobq.AllStates {
					row = append(row, fmt.Sprint(counts[s]))
				}
				fmt.Fprintln(tw, strings.Join(row, "\t"))
			}
			return tw.Flush()
		},
	}
}

func newJobCmd(a *app) *cobra.Command {
	var logs bool
	cmd := &cobra.Command{
		Use:   "job <queue> <id>",
		Short: "Print a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(args[0])
			if err != nil {
				return err
			}
			j, err := q.GetJob(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			st, err := q.GetState(cmd.Context(), j.ID)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), jobView(j, st)); err != nil {
				return err
			}
			if !logs {
				return nil
			}
			lines, _, err := q.GetJobLogs(cmd.Context(), j.ID, 0, -1)
			if err != nil {
				return err
			}
			for _, l := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&logs, "logs", false, "also print the job logs")
	return cmd
}

func newPauseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <queue>",
		Short: "Pause a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(args[0])
			if err != nil {
				return err
			}
			return q.Pause(cmd.Context())
		},
	}
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <queue>",
		Short: "Resume a paused queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(args[0])
			if err != nil {
				return err
			}
			return q.Resume(cmd.Context())
		},
	}
}

func newCleanCmd(a *app) *cobra.Command {
	var (
		grace time.Duration
		limit int
		state string
	)
	cmd := &cobra.Command{
		Use:   "clean <queue>",
		Short: "Remove jobs of a state older than a grace period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := jobq.ParseState(state)
			if err != nil {
				return err
			}
			q, err := a.queue(args[0])
			if err != nil {
				return err
			}
			ids, err := q.Clean(cmd.Context(), grace, limit, st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs\n", len(ids))
			return nil
		},
	}
	f := cmd.Flags()
	f.DurationVar(&grace, "grace", time.Hour, "keep jobs younger than this")
	f.IntVar(&limit, "limit", 0, "maximum number of jobs to remove, 0 for all")
	f.StringVar(&state, "state", string(jobq.StateCompleted), "state to clean")
	return cmd
}

func newRetryCmd(a *app) *cobra.Command {
	var (
		state string
		count int
	)
	cmd := &cobra.Command{
		Use:   "retry <queue> [id]",
		Short: "Move failed or completed jobs back to waiting",
		Long:  "Retry one job by id, or every job of --state when no id is given.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(args[0])
			if err != nil {
				return err
			}
			if len(args) == 2 {
				return q.RetryJob(cmd.Context(), args[1])
			}
			st, err := jobq.ParseState(state)
			if err != nil {
				return err
			}
			n, err := q.RetryJobs(cmd.Context(), st, count, time.Time{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried %d jobs\n", n)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&state, "state", string(jobq.StateFailed), "failed or completed")
	f.IntVar(&count, "batch", 1000, "jobs moved per round trip")
	return cmd
}

func newPromoteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <queue> <id>",
		Short: "Run a delayed job now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(args[0])
			if err != nil {
				return err
			}
			return q.Promote(cmd.Context(), args[1])
		},
	}
}

func newObliterateCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "obliterate <queue>",
		Short: "Delete a paused queue and all its jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(args[0])
			if err != nil {
				return err
			}
			return q.Obliterate(cmd.Context(), force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete even if jobs are active")
	return cmd
}

func newSchedulersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedulers <queue>",
		Short: "List job schedulers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(args[0])
			if err != nil {
				return err
			}
			list, err := q.GetJobSchedulers(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tREPEAT\tNEXT\tCOUNT")
			for _, s := range list {
				rep := s.Repeat.Pattern
				if rep == "" {
					rep = "every " + s.Repeat.Every.String()
				}
				next := "-"
				if !s.Next.IsZero() {
					next = s.Next.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", s.ID, s.Name, rep, next, s.Count)
			}
			return tw.Flush()
		},
	}
	remove := &cobra.Command{
		Use:   "remove <queue> <id>",
		Short: "Remove a job scheduler and its pending occurrence",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queue(args[0])
			if err != nil {
				return err
			}
			return q.RemoveJobScheduler(cmd.Context(), args[1])
		},
	}
	cmd.AddCommand(remove)
	return cmd
}

type jobJSON struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	State        jobq.State      `json:"state"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
	Parent       string          `json:"parent,omitempty"`
	Created      time.Time       `json:"created"`
	Finished     *time.Time      `json:"finished,omitempty"`
}

func jobView(j *jobq.Job, st jobq.State) jobJSON {
	v := jobJSON{
		ID:           j.ID,
		Name:         j.Name,
		Queue:        j.Queue,
		State:        st,
		Payload:      rawJSON(j.Payload),
		Result:       rawJSON(j.Result),
		Progress:     rawJSON(j.Progress),
		Attempts:     j.Attempts,
		AttemptsMade: j.AttemptsMade,
		FailedReason: j.FailedReason,
		Parent:       j.ParentKey,
		Created:      j.Timestamp,
	}
	if !j.FinishedOn.IsZero() {
		v.Finished = &j.FinishedOn
	}
	return v
}

// rawJSON keeps b if it is JSON and quotes it otherwise.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if sonic.Valid(b) {
		return b
	}
	q, _ := sonic.Marshal(string(b))
	return q
}

func printJSON(w io.Writer, v any) error {
	b, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
