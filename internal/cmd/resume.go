package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/registry"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a persisted run",
	Long: `Resume reconstructs the state a previous run left in the project
directory and continues development from there. Stories that were in
flight when the run ended are picked up again.

The run keeps the workflow settings it was started with unless
--use-config is given, in which case the current configuration applies.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

var (
	resumeDir       string
	resumeProject   string
	resumeNoTUI     bool
	resumeUseConfig bool
)

func init() {
	rootCmd.AddCommand(resumeCmd)

	resumeCmd.Flags().StringVarP(&resumeDir, "dir", "d", "", "Project directory (default: current directory)")
	resumeCmd.Flags().StringVarP(&resumeProject, "project", "p", "", "Project id (default: directory name)")
	resumeCmd.Flags().BoolVar(&resumeNoTUI, "no-tui", false, "Print progress lines instead of the interactive view")
	resumeCmd.Flags().BoolVar(&resumeUseConfig, "use-config", false, "Replace the persisted workflow settings with the current configuration")
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, projectID, err := resolveProject(resumeDir, resumeProject)
	if err != nil {
		return err
	}

	if _, err := os.Stat(stateDir(cfg, dir)); err != nil {
		return fmt.Errorf("no persisted run in %s", dir)
	}

	var override *model.WorkflowConfig
	if resumeUseConfig {
		wf := cfg.WorkflowConfig()
		override = &wf
	}
	return drive(cmd, cfg, dir, resumeNoTUI, func(ctx context.Context, reg *registry.Registry) (*orchestrator.Core, error) {
		core, _, err := reg.Resume(ctx, projectID, dir, override)
		return core, err
	})
}
