package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View a project's debug log",
	Long: `View and filter the debug log a project keeps in its state directory.

Examples:
  # Show the last 50 entries
  conductor logs

  # Everything a tester did on one story
  conductor logs --story s1-2 --role tester -n 0

  # Warnings and errors from the last hour as CSV
  conductor logs --level warn --since 1h --format csv`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsDir     string
	logsTail    int
	logsLevel   string
	logsSince   string
	logsStory   string
	logsRole    string
	logsPhase   string
	logsGrep    string
	logsFormat  string
	logsProject string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVarP(&logsDir, "dir", "d", "", "Project directory (default: current directory)")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Only entries newer than this duration (e.g. 1h, 30m)")
	logsCmd.Flags().StringVar(&logsProject, "project", "", "Only entries of this project id")
	logsCmd.Flags().StringVar(&logsStory, "story", "", "Only entries of this story id")
	logsCmd.Flags().StringVar(&logsRole, "role", "", "Only entries of this agent role")
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "Only entries of this phase (planning, developing, resume)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only entries whose message contains this text")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "Output format (text, json, csv)")
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, err := resolveDir(logsDir)
	if err != nil {
		return err
	}

	filter := logging.LogFilter{
		Level:           logsLevel,
		ProjectID:       logsProject,
		StoryID:         logsStory,
		Role:            logsRole,
		Phase:           logsPhase,
		MessageContains: logsGrep,
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid --since duration: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}

	entries, err := logging.ReadLogs(stateDir(cfg, dir))
	if err != nil {
		return err
	}
	entries = logging.FilterLogs(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	return logging.WriteEntries(cmd.OutOrStdout(), entries, logsFormat)
}
