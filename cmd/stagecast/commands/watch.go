package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagecast/stagecast/internal/printer"
	"github.com/stagecast/stagecast/pkg/stagelog"
)

var (
	watchJobID   string
	watchTimeout time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a job's event stream from the terminal",
	Long: `Subscribe to a job's notification channel and print events as they
arrive, starting from the current canonical state. Ends when the job
reaches a terminal event or the timeout elapses.

Examples:
  stagecast watch --job 4f1f9c8a-demo-job
  stagecast watch --job 4f1f9c8a-demo-job --timeout 2m`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchJobID, "job", "j", "", "Job identifier (required)")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 10*time.Minute, "Give up after this long without a terminal event")
	watchCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return printer.Error("Configuration error", err.Error(), nil)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), watchTimeout)
	defer cancel()

	// Subscribe before the snapshot read so nothing in between is lost;
	// the seq check below drops anything the snapshot already covered.
	sub, err := client.SubscribeJobEvents(ctx, watchJobID)
	if err != nil {
		return printer.Error("Subscribe failed", err.Error(),
			[]string{"Check that Redis is running and REDIS_URL is correct"})
	}
	defer sub.Close()

	stages := client.StageSet()
	lastSeq := int64(-1)

	snapshot, err := client.GetState(ctx, watchJobID)
	if err != nil && !stagelog.IsNotFound(err) {
		return printer.Error("State read failed", err.Error(), nil)
	}
	if snapshot != nil {
		printEvent(snapshot)
		lastSeq = snapshot.Seq
		if stages.Terminal(snapshot) {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			printer.Warning("Timed out after %s without a terminal event\n", watchTimeout)
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if event.Seq <= lastSeq {
				continue
			}
			lastSeq = event.Seq
			printEvent(event)
			if stages.Terminal(event) {
				return nil
			}
		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			printer.Warning("Skipped bad notification: %v\n", err)
		}
	}
}

func printEvent(event *stagelog.StageEvent) {
	detail := string(event.Status)
	if event.Progress > 0 {
		detail = fmt.Sprintf("%s %d%%", detail, event.Progress)
	}
	if event.Error != "" {
		detail = fmt.Sprintf("%s (%s)", detail, event.Error)
	}
	if len(event.Result) > 0 {
		detail = fmt.Sprintf("%s result=%s", detail, string(event.Result))
	}
	printer.Event(event.Stage, detail)
}
