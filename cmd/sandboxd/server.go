package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ajaxzhan/sandboxd/internal/baseline"
	"github.com/ajaxzhan/sandboxd/internal/config"
	"github.com/ajaxzhan/sandboxd/internal/httpapi"
	"github.com/ajaxzhan/sandboxd/internal/kernel"
	"github.com/ajaxzhan/sandboxd/internal/logging"
	"github.com/ajaxzhan/sandboxd/internal/provision"
	"github.com/ajaxzhan/sandboxd/internal/sandbox"
	"github.com/spf13/cobra"
)

func newServerCmd() *cobra.Command {
	var (
		host       string
		port       int
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the sandbox daemon's HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(host, port, configPath)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "address to bind")
	cmd.Flags().IntVar(&port, "port", 8000, "port to listen on")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	return cmd
}

func runServer(host string, port int, configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if err := logging.Init(&logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	builder := baseline.NewBuilder(cfg.Storage.BaselineRoot, cfg.Baseline.Packages)
	ctx, cancelBuild := context.WithTimeout(context.Background(), cfg.Baseline.GetPipTimeout()*time.Duration(len(cfg.Baseline.Packages)+1))
	if err := builder.Ensure(ctx); err != nil {
		logging.Warn("baseline build did not complete cleanly, sandboxes will fall back to fresh environments", logging.Err(err))
	}
	cancelBuild()

	provisioner := provision.NewProvisioner(cfg.Storage.TmpRoot, builder)

	svc := sandbox.New(provisioner, kernelFactory(cfg), sandbox.Config{
		ExecuteTimeout: cfg.Kernel.GetExecuteTimeout(),
		InstallTimeout: cfg.Kernel.GetInstallTimeout(),
		IdleBudget:     cfg.Registry.GetIdleBudget(),
		SweepInterval:  cfg.Registry.GetSweepInterval(),
	})

	runCtx, stopSweep := context.WithCancel(context.Background())
	svc.Start(runCtx)
	defer stopSweep()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: httpapi.New(svc),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErrCh := make(chan error, 1)
	go func() {
		logging.Info("sandboxd listening", logging.String("addr", addr))
		serveErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	case sig := <-sigCh:
		logging.Info("received shutdown signal", logging.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		stopSweep()
		svc.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	return nil
}

func kernelFactory(cfg *config.Config) sandbox.SessionFactory {
	return func(ctx context.Context, sandboxID, workDir, envDir string) (kernel.Interface, error) {
		return kernel.Start(ctx, sandboxID, workDir, envDir, cfg.Kernel.GetStartTimeout())
	}
}
