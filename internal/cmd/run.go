package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/conductor/internal/config"
	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/model"
	"github.com/Iron-Ham/conductor/internal/orchestrator"
	"github.com/Iron-Ham/conductor/internal/registry"
	"github.com/Iron-Ham/conductor/internal/tui"
)

// stopTimeout bounds how long an interrupted run waits for in-flight agents.
const stopTimeout = 2 * time.Minute

var runCmd = &cobra.Command{
	Use:   "run [requirements...]",
	Short: "Plan and develop a project from requirements",
	Long: `Run plans a backlog from the given requirements and develops it in the
project directory (default: the current directory).

Requirements are taken from the arguments, or from a file with --file.
Use "--file -" to read them from stdin.

Progress is shown in an interactive view when stdout is a terminal.
Press p to pause or resume and q to stop. Interrupting the command stops
the run after in-flight agents finish; "conductor resume" picks it up
again.`,
	RunE: runRun,
}

var (
	runFile    string
	runDir     string
	runProject string
	runNoTUI   bool
	runCoders  int
	runTesters int
	runRetries int
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Read requirements from a file (- for stdin)")
	runCmd.Flags().StringVarP(&runDir, "dir", "d", "", "Project directory (default: current directory)")
	runCmd.Flags().StringVarP(&runProject, "project", "p", "", "Project id (default: directory name)")
	runCmd.Flags().BoolVar(&runNoTUI, "no-tui", false, "Print progress lines instead of the interactive view")
	runCmd.Flags().IntVar(&runCoders, "coders", 0, "Parallel coder agents (default: workflow.parallel_coders)")
	runCmd.Flags().IntVar(&runTesters, "testers", 0, "Parallel tester agents (default: workflow.parallel_testers)")
	runCmd.Flags().IntVar(&runRetries, "retries", 0, "Retries per failed invocation (default: workflow.max_retries)")
}

func runRun(cmd *cobra.Command, args []string) error {
	requirements, err := readRequirements(args, runFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir, projectID, err := resolveProject(runDir, runProject)
	if err != nil {
		return err
	}

	wf := cfg.WorkflowConfig()
	if cmd.Flags().Changed("coders") {
		wf.ParallelCoders = runCoders
	}
	if cmd.Flags().Changed("testers") {
		wf.ParallelTesters = runTesters
	}
	if cmd.Flags().Changed("retries") {
		wf.MaxRetries = runRetries
	}
	if err := wf.Validate(); err != nil {
		return err
	}

	return drive(cmd, cfg, dir, runNoTUI, func(ctx context.Context, reg *registry.Registry) (*orchestrator.Core, error) {
		core, _, err := reg.Start(ctx, projectID, dir, requirements, wf)
		return core, err
	})
}

// readRequirements joins args, or reads file when set. Both at once is an
// error.
func readRequirements(args []string, file string, stdin io.Reader) (string, error) {
	var text string
	switch {
	case file != "" && len(args) > 0:
		return "", fmt.Errorf("pass requirements as arguments or with --file, not both")
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read requirements from stdin: %w", err)
		}
		text = string(b)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read requirements: %w", err)
		}
		text = string(b)
	default:
		text = strings.Join(args, " ")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("requirements are required")
	}
	return text, nil
}

type launchFunc func(ctx context.Context, reg *registry.Registry) (*orchestrator.Core, error)

// drive launches one project in this process and follows it until it ends.
// An interrupt stops the run and waits for in-flight agents.
func drive(cmd *cobra.Command, cfg *config.Config, dir string, noTUI bool, launch launchFunc) error {
	logger, err := openLogger(cfg, stateDir(cfg, dir))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	out := cmd.OutOrStdout()
	interactive := !noTUI && isTerminal(out)

	factory := projectFactory(cfg, logger)
	var printer *progressPrinter
	if !interactive {
		// Subscribe before the run starts so no line is missed.
		printer = newProgressPrinter(out)
		base := factory
		factory = func(projectID, projectDir string) (*registry.Project, error) {
			p, err := base(projectID, projectDir)
			if err == nil {
				printer.attach(p.Core.Bus())
			}
			return p, err
		}
	}
	reg := registry.New(factory, registry.OnDuplicateReject, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := launch(ctx, reg)
	if err != nil {
		return err
	}
	defer printer.detach()

	if interactive {
		if err := tui.Run(ctx, core); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("progress view failed", "error", err)
			fmt.Fprintf(cmd.ErrOrStderr(), "progress view failed: %v\n", err)
		}
	} else {
		select {
		case <-core.Done():
		case <-ctx.Done():
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	select {
	case <-core.Done():
	default:
		fmt.Fprintln(out, "Stopping: waiting for in-flight agents...")
		if err := core.Stop(stopCtx); err != nil && !errors.Is(err, errors.ErrInvalidTransition) {
			logger.Warn("stop failed", "error", err)
		}
	}
	if err := core.Wait(stopCtx); err != nil {
		return fmt.Errorf("run did not stop in time: %w", err)
	}
	return summarize(out, core.State())
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// progressPrinter writes one line per notable event.
type progressPrinter struct {
	mu  sync.Mutex
	w   io.Writer
	bus *event.Bus
	sub string
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w}
}

func (p *progressPrinter) attach(bus *event.Bus) {
	p.bus = bus
	p.sub = bus.SubscribeAll(p.print)
}

func (p *progressPrinter) detach() {
	if p == nil || p.bus == nil {
		return
	}
	p.bus.Unsubscribe(p.sub)
}

func (p *progressPrinter) print(e event.Event) {
	text := event.Describe(e)
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s  %s\n", e.Timestamp().Format("15:04:05"), text)
}

// summarize reports how the run ended. A run that ended in error is
// returned as an error so the command exits non-zero.
func summarize(w io.Writer, st model.DevelopmentState) error {
	done := 0
	var failed []model.Story
	for _, s := range st.Stories {
		switch {
		case s.Status.IsDone():
			done++
		case s.Status == model.StoryFailed:
			failed = append(failed, s)
		}
	}

	fmt.Fprintf(w, "\nProject %s %s: %d/%d stories done (%d%%)\n", st.ProjectID, st.Status, done, len(st.Stories), st.Progress)
	for _, s := range failed {
		fmt.Fprintf(w, "  failed %s %q: %s\n", s.ID, s.Title, s.Error)
	}

	switch st.Status {
	case model.StatusStopped:
		fmt.Fprintf(w, "Resume with: conductor resume --dir %s\n", st.ProjectDir)
	case model.StatusError:
		msg := "workflow failed"
		if n := len(st.Errors); n > 0 {
			msg = st.Errors[n-1].Message
		}
		return fmt.Errorf("project %s failed: %s", st.ProjectID, msg)
	}
	return nil
}
