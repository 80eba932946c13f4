// Package cli builds the task-messenger command tree: `manager run`,
// `manager status`, and `worker run`, each reading a YAML config file via
// the shared --config/-c persistent flag.
//
// Grounded on the teacher's internal/cli.BuildCLI (root command + persistent
// --config flag + subcommands) and its run command's signal-handling
// shutdown sequence, adapted from a single standalone/master/worker mode
// switch to two distinct process roles.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/task-messenger/internal/adminapi"
	"github.com/ChuLiYu/task-messenger/internal/config"
	"github.com/ChuLiYu/task-messenger/internal/generator"
	"github.com/ChuLiYu/task-messenger/internal/metrics"
	"github.com/ChuLiYu/task-messenger/internal/session"
	"github.com/ChuLiYu/task-messenger/internal/skills"
	"github.com/ChuLiYu/task-messenger/internal/taskpool"
	"github.com/ChuLiYu/task-messenger/internal/workerrt"
)

var configFile string

// ExitCodeConfigError and ExitCodeProtocolError match spec.md §6.3's exit
// code table (0 is the zero value, used implicitly on clean return).
const (
	ExitCodeConfigError   = 1
	ExitCodeProtocolError = 2
)

// BuildCLI constructs the root command tree.
func BuildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:     "task-messenger",
		Short:   "Task Messenger: an async manager/worker task dispatch platform",
		Version: "0.1.0",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/manager.yaml", "config file path")

	managerCmd := &cobra.Command{Use: "manager", Short: "Run or inspect a manager process"}
	managerCmd.AddCommand(buildManagerRunCommand())
	managerCmd.AddCommand(buildManagerStatusCommand())

	workerCmd := &cobra.Command{Use: "worker", Short: "Run a worker process"}
	workerCmd.AddCommand(buildWorkerRunCommand())

	root.AddCommand(managerCmd)
	root.AddCommand(workerCmd)
	return root
}

func buildManagerRunCommand() *cobra.Command {
	var genFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the manager: accept worker connections and dispatch tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManager(configFile, genFile)
		},
	}
	cmd.Flags().StringVar(&genFile, "generate-from", "", "JSON file of tasks to submit at startup")
	return cmd
}

func buildManagerStatusCommand() *cobra.Command {
	var adminAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running manager's task pool and connected workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showManagerStatus(adminAddr)
		},
	}
	cmd.Flags().StringVar(&adminAddr, "admin", "http://127.0.0.1:9091", "manager admin endpoint")
	return cmd
}

func buildWorkerRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a worker: dial the manager and process dispatched tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(configFile)
		},
	}
	return cmd
}

func runManager(configPath, genFile string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitWith(ExitCodeConfigError, err)
	}

	pool := taskpool.New(taskpool.Config{
		HardCapacity: cfg.PoolHardCapacity,
		LowWatermark: cfg.PoolLowWatermark,
		RefillBatch:  cfg.PoolRefillBatch,
	})

	if genFile != "" {
		n, err := generator.FromFile(context.Background(), pool, genFile)
		if err != nil {
			exitWith(ExitCodeConfigError, fmt.Errorf("loading generator file: %w", err))
		}
		slog.Info("submitted tasks from file", "file", genFile, "count", n)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}
	pool.SetCollector(collector)

	mgr := session.NewManager(session.ManagerConfig{
		ListenEndpoint:  cfg.ListenEndpoint,
		ShutdownTimeout: cfg.ShutdownTimeout,
		IOThreads:       cfg.IOThreads,
		Collector:       collector,
		Session: session.Config{
			MaxInFlight:       cfg.MaxInFlight,
			ResponseTimeout:   cfg.ResponseTimeout,
			DrainTimeout:      cfg.DrainTimeout,
			MaxReleaseRetries: cfg.MaxReleaseRetries,
			Collector:         collector,
		},
	}, pool, slog.Default())

	if err := mgr.Start(); err != nil {
		exitWith(ExitCodeProtocolError, err)
	}
	slog.Info("manager started", "listen_endpoint", cfg.ListenEndpoint)

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				slog.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	adminAddr := adminListenAddr(cfg.ListenEndpoint)
	adminSrv := adminapi.NewServer(cfg.ListenEndpoint, mgr)
	go func() {
		if err := adminSrv.ListenAndServe(adminAddr); err != nil {
			slog.Warn("admin server stopped", "error", err)
		}
	}()

	waitForShutdownSignal()
	slog.Info("shutting down manager")
	mgr.Stop()
	slog.Info("manager stopped")
	return nil
}

func runWorker(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitWith(ExitCodeConfigError, err)
	}

	rt := workerrt.New(workerrt.Config{
		ConnectEndpoint: cfg.ConnectEndpoint,
		BackoffBase:     cfg.BackoffBase,
		BackoffCap:      cfg.BackoffCap,
		MaxInFlight:     cfg.MaxInFlight,
		ProcessorCount:  processorCount(cfg),
		StopTimeout:     cfg.ShutdownTimeout,
		IOThreads:       cfg.IOThreads,
	}, skills.DefaultRegistry(), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()

	select {
	case sig := <-signalChan():
		slog.Info("received shutdown signal", "signal", sig)
		rt.Stop()
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			exitWith(ExitCodeProtocolError, fmt.Errorf("worker runtime stopped: %w", err))
		}
	}
	return nil
}

func processorCount(cfg *config.Config) int {
	if cfg.WorkerMode == config.WorkerModeBlocking {
		return int(cfg.MaxInFlight)
	}
	return 1
}

func showManagerStatus(adminAddr string) error {
	st, err := adminapi.FetchStatus(adminAddr)
	if err != nil {
		return err
	}
	adminapi.PrintStatus(os.Stdout, st)
	return nil
}

// adminListenAddr derives the admin HTTP address from the manager's
// listen_endpoint: the same host on fixed port 9091, or 127.0.0.1:9091 when
// the endpoint cannot be split into host and port.
func adminListenAddr(listenEndpoint string) string {
	host, _, err := net.SplitHostPort(listenEndpoint)
	if err != nil {
		return "127.0.0.1:9091"
	}
	return net.JoinHostPort(host, "9091")
}

func signalChan() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

func waitForShutdownSignal() {
	<-signalChan()
}

func exitWith(code int, err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(code)
}
