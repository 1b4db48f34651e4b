package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/config"
	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/ledger"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/registry"
	"github.com/Iron-Ham/conductor/internal/store"
	"github.com/Iron-Ham/conductor/internal/tui/styles"
	"github.com/Iron-Ham/conductor/internal/util"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted state of a project",
	Long: `Status prints the last persisted state of a project: its lifecycle
status, progress and every story with the agent runs recorded for it.
It only reads the project directory and is safe to use while a run is in
progress.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusDir     string
	statusProject string
	statusJSON    bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusDir, "dir", "d", "", "Project directory (default: current directory)")
	statusCmd.Flags().StringVarP(&statusProject, "project", "p", "", "Project id (default: directory name)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the state as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, projectID, err := resolveProject(statusDir, statusProject)
	if err != nil {
		return err
	}
	state, err := loadPersistedState(cfg, dir, projectID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	stats := map[string]ledger.StoryStats{}
	if l, err := openExistingLedger(cfg, dir); err == nil && l != nil {
		stats, err = l.StatsByStory(cmd.Context(), projectID)
		_ = l.Close()
		if err != nil {
			return err
		}
	}
	lock, running := registry.IsLocked(stateDir(cfg, dir))
	printStatus(out, state, stats, lock, running)
	return nil
}

// loadPersistedState reads the project as persisted, without the
// adjustments a resume would make to in-flight stories.
func loadPersistedState(cfg *config.Config, dir, projectID string) (*model.DevelopmentState, error) {
	if _, err := os.Stat(stateDir(cfg, dir)); err != nil {
		return nil, errors.NewNotFoundError("project", projectID).WithCause(errors.ErrProjectNotFound)
	}
	st, err := store.New(projectID, dir, store.WithDirName(cfg.Storage.DirName))
	if err != nil {
		return nil, err
	}

	state, err := st.LoadProjectState()
	switch {
	case errors.Is(err, errors.ErrProjectNotFound):
		state = model.NewDevelopmentState(projectID, st.ProjectDir())
	case err != nil:
		return nil, err
	}
	found := err == nil

	// The backlog logs are newer than the last snapshot.
	epics, err := st.LoadEpics()
	if err != nil {
		return nil, err
	}
	stories, err := st.LoadStories()
	if err != nil {
		return nil, err
	}
	if len(epics) > 0 {
		state.Epics = epics
	}
	if len(stories) > 0 {
		state.Stories = stories
	}
	if !found && len(state.Stories) == 0 {
		return nil, errors.NewNotFoundError("project", projectID).WithCause(errors.ErrProjectNotFound)
	}
	return state, nil
}

func openExistingLedger(cfg *config.Config, dir string) (*ledger.Ledger, error) {
	path := filepath.Join(stateDir(cfg, dir), store.LedgerFileName)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return ledger.Open(path)
}

func printStatus(w io.Writer, st *model.DevelopmentState, stats map[string]ledger.StoryStats, lock *registry.RunLock, running bool) {
	fmt.Fprintf(w, "%s %s  %s\n", styles.Title.Render("Project"), st.ProjectID, styles.Workflow(st.Status))
	fmt.Fprintf(w, "Directory: %s\n", st.ProjectDir)
	if running {
		fmt.Fprintf(w, "Running:   pid %d on %s since %s\n", lock.PID, lock.Hostname, lock.StartedAt.Format("2006-01-02 15:04:05"))
	}

	counts := st.StoryCounts()
	done := counts[model.StoryCompleted] + counts[model.StoryDone]
	fmt.Fprintf(w, "Progress:  %d%% (%d/%d stories done", st.Progress, done, len(st.Stories))
	if n := counts[model.StoryFailed]; n > 0 {
		fmt.Fprintf(w, ", %s", styles.Error.Render(fmt.Sprintf("%d failed", n)))
	}
	fmt.Fprintln(w, ")")
	if r := st.TestResults; r != nil && r.Total > 0 {
		fmt.Fprintf(w, "Tests:     %d/%d passed\n", r.Passed, r.Total)
	}
	if r := st.SecurityReport; r != nil && len(r.Findings) > 0 {
		fmt.Fprintf(w, "Security:  %d findings, %d critical\n", len(r.Findings), r.Critical)
	}
	if req := util.SingleLine(st.Requirements); req != "" {
		fmt.Fprintf(w, "Requirements: %s\n", util.TruncateString(req, 100))
	}
	for _, e := range st.Errors {
		fmt.Fprintf(w, "%s %s\n", styles.Error.Render("error:"), e.Message)
	}
	if len(st.Stories) == 0 {
		return
	}

	epicTitles := make(map[string]string, len(st.Epics))
	for _, e := range st.Epics {
		epicTitles[e.ID] = e.Title
	}

	fmt.Fprintln(w)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"ID", "Epic", "Title", "Status", "Agent", "Runs", "Error"})
	for _, s := range st.Stories {
		runs := ""
		if rs, ok := stats[s.ID]; ok {
			runs = fmt.Sprint(rs.Runs)
			if rs.Failed > 0 {
				runs += fmt.Sprintf(" (%d failed)", rs.Failed)
			}
		}
		tw.AppendRow(table.Row{
			s.ID,
			util.TruncateString(epicTitles[s.EpicID], 20),
			util.TruncateString(s.Title, 40),
			styles.Story(s.Status, styles.StoryIcon(s.Status)+" "+string(s.Status)),
			s.AssignedTo,
			runs,
			util.TruncateString(util.SingleLine(s.Error), 40),
		})
	}
	tw.Render()
}
