package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"generation-tracker/internal/models"
)

var startCmd = &cobra.Command{
	Use:   "start <kind>",
	Short: "Start a generation",
	Long:  "Start a generation of the given kind (video, image, speech, website). Input fields are passed as --input key=value; values that parse as JSON keep their type.",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Print the current record of a generation",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Follow a generation until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var (
	startInputs   []string
	startData     string
	startWatch    bool
	watchInterval time.Duration
	watchTimeout  time.Duration
)

func init() {
	startCmd.Flags().StringArrayVarP(&startInputs, "input", "i", nil, "Input field as key=value (repeatable)")
	startCmd.Flags().StringVarP(&startData, "data", "d", "", "Full input as a JSON object; --input fields override it")
	startCmd.Flags().BoolVarP(&startWatch, "watch", "w", false, "Follow the generation after starting it")

	for _, c := range []*cobra.Command{startCmd, watchCmd} {
		c.Flags().DurationVar(&watchInterval, "interval", 3*time.Second, "Polling interval")
		c.Flags().DurationVar(&watchTimeout, "timeout", 20*time.Minute, "Give up watching after this long")
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	input, err := parseInputs(startData, startInputs)
	if err != nil {
		return err
	}
	client := newClientFromFlags()
	job, err := client.start(cmd.Context(), args[0], input)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "started %s (%s)\n", job.ID, job.Status)
	if job.Status == models.StatusFailed {
		fmt.Fprintf(out, "error: %s\n", job.Error)
		return errJobFailed
	}
	if !startWatch {
		return nil
	}
	return finish(watch(cmd.Context(), client, job.ID, watchInterval, watchTimeout, out, cmd.ErrOrStderr()))
}

func runStatus(cmd *cobra.Command, args []string) error {
	job, err := newClientFromFlags().status(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(job); err != nil {
		return err
	}
	if job.Status == models.StatusFailed {
		return errJobFailed
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	return finish(watch(cmd.Context(), newClientFromFlags(), args[0], watchInterval, watchTimeout, cmd.OutOrStdout(), cmd.ErrOrStderr()))
}

func finish(view models.UpdateView, err error) error {
	if err != nil {
		return err
	}
	if view.Status == models.StatusFailed {
		return errJobFailed
	}
	return nil
}

type updatesClient interface {
	updates(ctx context.Context, id string) (models.UpdateView, error)
	status(ctx context.Context, id string) (models.Job, error)
}

// watch polls updates on a fixed interval and prints status entries it has
// not printed yet. It returns once the job is complete.
func watch(ctx context.Context, c updatesClient, id string, interval, timeout time.Duration, out, errOut io.Writer) (models.UpdateView, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	printed := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		view, err := c.updates(ctx, id)
		switch {
		case err != nil && ctx.Err() != nil:
			return models.UpdateView{}, fmt.Errorf("stopped watching %s: %w", id, ctx.Err())
		case err != nil:
			fmt.Fprintf(errOut, "warning: %v\n", err)
		default:
			if len(view.StatusLog) < printed {
				printed = 0
			}
			for _, e := range view.StatusLog[printed:] {
				printEntry(out, e)
			}
			printed = len(view.StatusLog)
			if view.IsComplete {
				return view, report(ctx, c, id, view, out)
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return models.UpdateView{}, fmt.Errorf("gave up watching %s after %s", id, timeout)
			}
			return models.UpdateView{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func report(ctx context.Context, c updatesClient, id string, view models.UpdateView, out io.Writer) error {
	job, err := c.status(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.StatusCompleted:
		fmt.Fprintln(out, "completed")
		if len(job.Result) > 0 {
			raw, _ := json.MarshalIndent(job.Result, "", "  ")
			fmt.Fprintln(out, string(raw))
		}
	case models.StatusFailed:
		fmt.Fprintf(out, "failed: %s\n", job.Error)
	default:
		fmt.Fprintln(out, string(view.Status))
	}
	return nil
}

func printEntry(out io.Writer, e models.LogEntry) {
	ts := e.At.Local().Format("15:04:05")
	if e.Stage != "" {
		fmt.Fprintf(out, "%s [%s] %s\n", ts, e.Stage, e.Message)
		return
	}
	fmt.Fprintf(out, "%s %s\n", ts, e.Message)
}

// parseInputs merges a JSON object with key=value pairs.
func parseInputs(data string, pairs []string) (map[string]any, error) {
	input := map[string]any{}
	if strings.TrimSpace(data) != "" {
		if err := json.Unmarshal([]byte(data), &input); err != nil {
			return nil, fmt.Errorf("--data must be a JSON object: %w", err)
		}
	}
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --input %q, expected key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		input[key] = v
	}
	return input, nil
}
