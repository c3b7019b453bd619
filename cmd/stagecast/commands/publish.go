package commands

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stagecast/stagecast/internal/printer"
	"github.com/stagecast/stagecast/pkg/stagelog"
)

var (
	publishJobID    string
	publishStage    string
	publishStatus   string
	publishProgress int
	publishResult   string
	publishErrMsg   string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Append a stage event to the log",
	Long: `Append a stage transition event to the sharded stage log.

Publishing is idempotent: repeating the same job/stage/status combination
returns the entry ID of the original append instead of creating a second
log entry, so retrying after a failure is always safe.

Examples:
  # Mark a stage as started
  stagecast publish --job 4f1f9c8a-demo-job --stage process --status started

  # Complete the terminal stage with a result payload
  stagecast publish --job 4f1f9c8a-demo-job --stage done --status completed \
    --result '{"url":"https://example.com/out/42"}'

  # Generate a fresh job ID and queue it
  stagecast publish --stage queued --status started`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVarP(&publishJobID, "job", "j", "", "Job identifier (generated if omitted)")
	publishCmd.Flags().StringVarP(&publishStage, "stage", "s", "", "Stage name (required)")
	publishCmd.Flags().StringVar(&publishStatus, "status", string(stagelog.StatusStarted), "Status: started, completed or failed")
	publishCmd.Flags().IntVar(&publishProgress, "progress", 0, "Progress percentage (0-100)")
	publishCmd.Flags().StringVar(&publishResult, "result", "", "Result payload as JSON")
	publishCmd.Flags().StringVar(&publishErrMsg, "error-msg", "", "Failure detail (with --status failed)")
	publishCmd.MarkFlagRequired("stage")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return printer.Error("Configuration error", err.Error(), nil)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		return printer.Error("Redis not accessible", err.Error(),
			[]string{"Check that Redis is running and REDIS_URL is correct"})
	}

	jobID := publishJobID
	if jobID == "" {
		jobID = uuid.New().String()
		printer.Info("Generated job ID: %s\n", jobID)
	}

	opts := stagelog.PublishOptions{
		Progress: publishProgress,
		Error:    publishErrMsg,
	}
	if publishResult != "" {
		if !json.Valid([]byte(publishResult)) {
			return printer.Error("Invalid result payload", "--result must be valid JSON", nil)
		}
		opts.Result = json.RawMessage(publishResult)
	}

	entryID, duplicate, err := client.PublishStageEvent(ctx, jobID, publishStage, stagelog.Status(publishStatus), opts)
	if err != nil {
		return printer.Error("Publish failed", err.Error(), nil)
	}

	if duplicate {
		printer.Warning("Duplicate publish, original entry returned\n")
	}
	printer.Success("Appended to shard %d (entry %s)\n", client.Shard(jobID), entryID)
	return nil
}
