package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/registry"
	"github.com/Iron-Ham/conductor/internal/server"
)

// shutdownTimeout bounds how long serve waits for requests to finish.
const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP control API",
	Long: `Serve exposes the control API: start, pause, resume and stop projects,
read their state and stream their events.

Projects started without an explicit directory live under the workspace
root, one directory per project id. When server.jwt_secret is set every
request except the health check needs a bearer token; see
"conductor token".

On interrupt the server stops every running project and waits for its
in-flight agents before exiting.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveAddr string
	serveRoot string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr)")
	serveCmd.Flags().StringVar(&serveRoot, "root", "", "Workspace root for projects (default: current directory)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	root, err := resolveDir(serveRoot)
	if err != nil {
		return err
	}
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	logger, err := openLogger(cfg, stateDir(cfg, root))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	reg := registry.New(projectFactory(cfg, logger), cfg.Workflow.OnDuplicateStart, logger)
	handler, err := server.New(server.Config{
		Registry:      reg,
		Workflow:      cfg.WorkflowConfig(),
		WorkspaceRoot: root,
		BasePath:      cfg.Server.BasePath,
		Auth:          server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the server context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	auth := "disabled"
	if cfg.Server.JWTSecret != "" {
		auth = "bearer token"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Serving Conductor API on http://%s%s (auth: %s, workspace: %s)\n", ln.Addr(), cfg.Server.BasePath, auth, root)
	logger.Info("server started", "addr", ln.Addr().String(), "workspace", root)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Shutting down: stopping running projects...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancelStop()
	if err := reg.StopAll(stopCtx); err != nil {
		return fmt.Errorf("failed to stop projects: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
