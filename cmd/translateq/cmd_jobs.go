package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/translateq/internal/job"
)

var (
	submitPriority string
	watchPoll      time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <kind> <payload|@file>",
	Short: "Submit a translation job (kind: category, course, quiz, questions)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readPayload(args[1])
		if err != nil {
			return err
		}
		res, err := newClient().Submit(cmd.Context(), args[0], raw, submitPriority)
		exitOnError(err)

		if outputJSON {
			printJSON(res)
			return nil
		}
		fmt.Printf("Job submitted: %s (status: %s", res.JobID, res.Status)
		if res.QueuePosition != nil {
			fmt.Printf(", position: %d", *res.QueuePosition)
		}
		if res.EstimatedStartTime != nil {
			fmt.Printf(", estimated start: %s", res.EstimatedStartTime.Local().Format(time.Kitchen))
		}
		fmt.Println(")")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := newClient().GetJob(cmd.Context(), args[0])
		exitOnError(err)
		if outputJSON {
			printJSON(snap)
			return nil
		}
		printSnapshot(*snap)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List pending and in-flight jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := newClient().ListQueue(cmd.Context())
		exitOnError(err)
		if outputJSON {
			printJSON(q)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "POS\tID\tKIND\tPRIORITY\tSTATUS\tPROGRESS\tETA")
		for _, s := range q.InFlight {
			fmt.Fprintf(w, "-\t%s\t%s\t%s\t%s\t%d%%\t-\n", s.ID, s.Kind, s.Priority, s.Status, s.Progress.Percentage)
		}
		for _, s := range q.Pending {
			pos, eta := "-", "-"
			if s.QueuePosition != nil {
				pos = fmt.Sprintf("%d", *s.QueuePosition)
			}
			if s.EstimatedStartTime != nil {
				eta = s.EstimatedStartTime.Local().Format(time.Kitchen)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\t%s\n", pos, s.ID, s.Kind, s.Priority, s.Status, s.Progress.Percentage, eta)
		}
		w.Flush()
		fmt.Printf("\n%d pending, %d processing, %d completed, %d failed, %d cancelled\n",
			q.Stats.Pending, q.Stats.Processing, q.Stats.Completed, q.Stats.Failed, q.Stats.Cancelled)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exitOnError(newClient().CancelJob(cmd.Context(), args[0]))
		fmt.Printf("Job %s cancelled\n", args[0])
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		c := newClient()
		var (
			final *job.Snapshot
			err   error
		)
		if watchPoll > 0 {
			final, err = c.Wait(ctx, args[0], watchPoll)
		} else {
			final, err = c.Watch(ctx, args[0], func(s job.Snapshot) {
				if outputJSON {
					printJSON(s)
					return
				}
				fmt.Printf("%s  %-10s %3d%%  %s\n", time.Now().Format(time.TimeOnly), s.Status, s.Progress.Percentage, s.Progress.Message)
			})
		}
		exitOnError(err)
		if !outputJSON {
			printSnapshot(*final)
		}
		if final.Status == job.StatusFailed {
			os.Exit(2)
		}
		return nil
	},
}

var rateLimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Show the provider rate-limit controller state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newClient().RateLimit(cmd.Context())
		exitOnError(err)
		if outputJSON {
			printJSON(st)
			return nil
		}
		fmt.Printf("Throttled:     %v\n", st.Throttled)
		fmt.Printf("Strategy:      %s (size %d)\n", st.Strategy.Mode, st.Strategy.Size)
		fmt.Printf("Batch size:    %d\n", st.BatchSize)
		fmt.Printf("Multiplier:    %.2f\n", st.BackoffMultiplier)
		fmt.Printf("Throttles:     %d total, %d consecutive\n", st.TotalThrottleEvents, st.ConsecutiveThrottleEvents)
		if st.LastThrottleAt != nil {
			fmt.Printf("Last throttle: %s\n", st.LastThrottleAt.Local().Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitPriority, "priority", "", "Job priority (normal, high)")
	watchCmd.Flags().DurationVar(&watchPoll, "poll", 0, "Poll status at this interval instead of streaming events")

	addClientFlags(submitCmd, statusCmd, queueCmd, cancelCmd, watchCmd, rateLimitCmd)
	rootCmd.AddCommand(submitCmd, statusCmd, queueCmd, cancelCmd, watchCmd, rateLimitCmd)
}

// readPayload accepts inline JSON or @path to a JSON file.
func readPayload(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func printSnapshot(s job.Snapshot) {
	fmt.Printf("ID:        %s\n", s.ID)
	fmt.Printf("Kind:      %s\n", s.Kind)
	fmt.Printf("Priority:  %s\n", s.Priority)
	fmt.Printf("Status:    %s\n", s.Status)
	fmt.Printf("Progress:  %d/%d (%d%%) %s\n", s.Progress.Current, s.Progress.Total, s.Progress.Percentage, s.Progress.Message)
	if s.QueuePosition != nil {
		fmt.Printf("Position:  %d\n", *s.QueuePosition)
	}
	if s.EstimatedStartTime != nil {
		fmt.Printf("ETA:       %s\n", s.EstimatedStartTime.Local().Format(time.RFC3339))
	}
	if s.DurationMs != nil {
		fmt.Printf("Duration:  %s\n", (time.Duration(*s.DurationMs) * time.Millisecond).String())
	}
	if s.ThrottleEvents > 0 {
		fmt.Printf("Throttles: %d\n", s.ThrottleEvents)
	}
	if s.Result != nil {
		fmt.Printf("Result:    %d translated, %d skipped (%s)\n", s.Result.Translated, s.Result.Skipped, strings.Join(s.Result.Languages, ", "))
	}
	if s.Error != "" {
		fmt.Printf("Error:     %s\n", s.Error)
	}
}
