package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagecast/stagecast/internal/printer"
	"github.com/stagecast/stagecast/pkg/stagelog"
)

var statusJobID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Read a job's coarse status",
	Long: `Read the canonical state snapshot for a job and print its coarse
status. This is a pure point read: it never touches the log or the
notification bus.

Examples:
  stagecast status --job 4f1f9c8a-demo-job`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusJobID, "job", "j", "", "Job identifier (required)")
	statusCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return printer.Error("Configuration error", err.Error(), nil)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	event, err := client.GetState(ctx, statusJobID)
	if err != nil {
		if stagelog.IsNotFound(err) {
			printer.Info("Job %s: %s\n", statusJobID, stagelog.CoarseUnknown)
			return nil
		}
		if errors.Is(err, stagelog.ErrMalformed) {
			printer.Warning("Job %s: stored state is unreadable: %v\n", statusJobID, err)
			return nil
		}
		return printer.Error("Status read failed", err.Error(), nil)
	}

	coarse := client.StageSet().Coarse(event)
	printer.Info("Job %s: ", statusJobID)
	switch coarse {
	case stagelog.CoarseCompleted:
		printer.Success("%s\n", coarse)
	case stagelog.CoarseFailed:
		printer.Warning("%s (%s)\n", coarse, event.Error)
	default:
		printer.Printf("%s\n", coarse)
	}

	printer.Printf("  stage:    %s (%s)\n", event.Stage, event.Status)
	if event.Progress > 0 {
		printer.Printf("  progress: %d%%\n", event.Progress)
	}
	if len(event.Result) > 0 {
		printer.Printf("  result:   %s\n", string(event.Result))
	}
	return nil
}
