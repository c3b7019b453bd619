package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/pkg/stagelog"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "stagecast",
	Short: "Stagecast - real-time pipeline stage event delivery",
	Long: `Stagecast delivers pipeline stage updates from distributed workers to
streaming clients in near real time, with catch-up for late joiners.

Workers append stage events to a sharded Redis log; the gateway folds the
log into per-job canonical state and fans accepted events out over SSE.
This CLI publishes events, reads job status, and watches live streams.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to stagecast.yml (defaults apply if omitted)")
}

// loadConfig resolves the configuration for a CLI invocation.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.Default(), nil
}

// newClient builds a stage log client from the resolved configuration.
func newClient() (*stagelog.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return nil, nil, err
	}

	stages, err := cfg.StageSet()
	if err != nil {
		return nil, nil, err
	}

	client, err := stagelog.NewClient(redisOpts, cfg.Namespace, stages, cfg.Settings())
	if err != nil {
		return nil, nil, err
	}

	return client, cfg, nil
}
