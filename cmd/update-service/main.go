package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/darthnorse/dockmon-update-service/internal/agents"
	"github.com/darthnorse/dockmon-update-service/internal/config"
	"github.com/darthnorse/dockmon-update-service/internal/docker"
	"github.com/darthnorse/dockmon-update-service/internal/events"
	"github.com/darthnorse/dockmon-update-service/internal/hosts"
	"github.com/darthnorse/dockmon-update-service/internal/scheduler"
	"github.com/darthnorse/dockmon-update-service/internal/server"
	"github.com/darthnorse/dockmon-update-service/internal/store"
	"github.com/darthnorse/dockmon-update-service/internal/update"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	cfg := config.LoadFromEnv()

	rootCmd := &cobra.Command{
		Use:   "update-service",
		Short: "Container update orchestration service",
		Long: `Safely replaces running containers with newer images across local,
remote TLS, and agent-managed Docker hosts.

The serve command runs the long-lived service; update and check run
one-shot operations against directly reachable engines.

Environment variables:
  LISTEN_ADDR          : Listen address (host:port or unix:///path)
  AGENT_TOKEN          : Shared token agents register with (empty disables agents)
  API_TOKEN            : Bearer token for the HTTP API (empty disables auth)
  HOSTS_FILE           : Host inventory JSON path
  DATABASE_PATH        : Update history database path
  CHECK_SCHEDULE       : Cron expression for periodic update checks
  LOG_LEVEL            : Logging level (debug, info, warn, error)
  LOG_JSON             : Log as JSON (true/false)`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel,
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&cfg.LogJSON, "log-json", cfg.LogJSON,
		"Log as JSON")
	rootCmd.PersistentFlags().StringVar(&cfg.HostsFile, "hosts-file", cfg.HostsFile,
		"Host inventory file")

	rootCmd.AddCommand(
		newServeCmd(cfg),
		newUpdateCmd(cfg),
		newCheckCmd(cfg),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the update service",
		Long: `Run the HTTP service: update and check endpoints, update history,
the agent attach point, and the UI event stream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr,
		"Listen address (host:port or unix:///path)")
	cmd.Flags().StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath,
		"Update history database path")
	cmd.Flags().StringVar(&cfg.CheckSchedule, "check-schedule", cfg.CheckSchedule,
		"Cron expression for periodic update checks")

	return cmd
}

func runServe(cfg *config.Config) error {
	log := setupLogging(cfg)
	log.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Update service starting")

	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer st.Close()

	registry, err := buildHostRegistry(cfg, log)
	if err != nil {
		return err
	}
	defer registry.Close()

	links := agents.NewManager(log)
	breakers := agents.NewBreakerGroup(agents.BreakerSettings{
		FailureThreshold: cfg.BreakerThreshold,
		Window:           cfg.BreakerWindow,
		Cooldown:         cfg.BreakerCooldown,
	}, log)
	sender := agents.NewCommandExecutor(links, breakers, agents.RetrySettings{
		MaxRetries:      cfg.RetryMax,
		InitialInterval: cfg.RetryInitial,
		MaxInterval:     cfg.RetryMaxInterval,
	}, log)
	pending := update.NewPendingRegistry(log)
	executor := update.NewUpdateExecutor(registry, sender, pending, log)
	executor.AgentWaitTimeout = cfg.AgentUpdateTimeout
	broadcaster := events.NewBroadcaster(log)

	// Context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("Received signal, shutting down...")
		cancel()
	}()

	if cfg.CheckSchedule != "" {
		sched := scheduler.New(registry, broadcaster, log)
		if err := sched.Start(cfg.CheckSchedule); err != nil {
			return err
		}
		defer sched.Stop()
	}

	srv := server.New(cfg, server.Deps{
		Hosts:    registry,
		Links:    links,
		Sender:   sender,
		Pending:  pending,
		Executor: executor,
		Store:    st,
		Events:   broadcaster,
	}, log)

	if err := srv.Start(ctx); err != nil {
		return err
	}

	log.Info("Update service stopped")
	return nil
}

func newUpdateCmd(cfg *config.Config) *cobra.Command {
	var (
		stopTimeout   int
		healthTimeout int
		timeoutSecs   int
	)

	cmd := &cobra.Command{
		Use:   "update host-id container target-image",
		Short: "Update one container directly",
		Long: `Update a container on a directly reachable host, without the
running service. The container may be given by name or short id.

Agent-managed hosts are only reachable through the service API, where
the command travels over the agent's link.

Examples:
  # Update a container on the local engine
  update-service update local web nginx:1.27`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := setupLogging(cfg)

			registry, err := buildHostRegistry(cfg, log)
			if err != nil {
				return err
			}
			defer registry.Close()

			hostID, containerRef, targetImage := args[0], args[1], args[2]

			kind, err := registry.Kind(hostID)
			if err != nil {
				return err
			}
			if kind == update.KindAgent {
				return fmt.Errorf("host %s is agent-managed; run the update through the service API", hostID)
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSecs)*time.Second)
			defer cancel()

			containerID, containerName, currentImage, err := resolveContainer(ctx, registry, hostID, containerRef)
			if err != nil {
				return err
			}

			uctx := &update.UpdateContext{
				HostID:        hostID,
				ContainerID:   containerID,
				ContainerName: containerName,
				CurrentImage:  currentImage,
				TargetImage:   targetImage,
				StopTimeout:   stopTimeout,
				HealthTimeout: healthTimeout,
			}

			executor := update.NewUpdateExecutor(registry, nil, nil, log)
			opts := update.UpdaterOptions{
				OnProgress: func(stage update.UpdateStage, percent int, message string) {
					log.WithFields(logrus.Fields{
						"stage":   stage.String(),
						"percent": percent,
					}).Info(message)
				},
			}

			result := executor.Execute(ctx, uctx, kind, opts)
			if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
				return err
			}
			if !result.Success {
				return fmt.Errorf("update failed: %s", result.Error)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&stopTimeout, "stop-timeout", 0,
		"Seconds to wait for the old container to stop (0 uses the default)")
	cmd.Flags().IntVar(&healthTimeout, "health-timeout", 0,
		"Seconds to wait for the new container to become healthy (0 uses the default)")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 1800,
		"Overall operation timeout in seconds")

	return cmd
}

func newCheckCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check host-id container",
		Short: "Check whether a newer image is available",
		Long: `Compare a running container's image digest against the registry.
The container may be given by name or short id.

Examples:
  # Check one container on the local engine
  update-service check local web`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := setupLogging(cfg)

			registry, err := buildHostRegistry(cfg, log)
			if err != nil {
				return err
			}
			defer registry.Close()

			hostID, containerRef := args[0], args[1]

			kind, err := registry.Kind(hostID)
			if err != nil {
				return err
			}
			if kind == update.KindAgent {
				return fmt.Errorf("host %s is agent-managed; run the check through the service API", hostID)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			cli, _, err := registry.EngineClient(ctx, hostID)
			if err != nil {
				return err
			}

			target := containerRef
			if byName, err := update.GetContainerByName(ctx, cli, containerRef); err == nil && byName != "" {
				target = byName
			}

			result, err := update.CheckForUpdate(ctx, cli, log, hostID, target)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(result)
		},
	}

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("update-service %s (%s)\n", version, commit)
		},
	}
}

// buildHostRegistry loads the inventory, defaulting to the local engine
// when no hosts file exists yet.
func buildHostRegistry(cfg *config.Config, log *logrus.Logger) (*hosts.Registry, error) {
	registry := hosts.NewRegistry(log)

	if _, err := os.Stat(cfg.HostsFile); err == nil {
		if err := registry.LoadFile(cfg.HostsFile); err != nil {
			return nil, err
		}
		return registry, nil
	}

	log.WithField("path", cfg.HostsFile).Info("No hosts file, managing the local engine only")
	if err := registry.Add(&hosts.Host{ID: "local", Name: "Local Docker", Kind: update.KindLocal}); err != nil {
		return nil, err
	}
	return registry, nil
}

// resolveContainer turns a name or short id into the short id plus the
// metadata an update context carries.
func resolveContainer(ctx context.Context, registry *hosts.Registry, hostID, ref string) (id, name, image string, err error) {
	cli, _, err := registry.EngineClient(ctx, hostID)
	if err != nil {
		return "", "", "", err
	}

	target := ref
	if byName, err := update.GetContainerByName(ctx, cli, ref); err == nil && byName != "" {
		target = byName
	}

	inspect, err := cli.ContainerInspect(ctx, target)
	if err != nil {
		return "", "", "", fmt.Errorf("container %s not found on host %s: %w", ref, hostID, err)
	}

	return docker.TruncateID(inspect.ID, update.ShortIDLength),
		strings.TrimPrefix(inspect.Name, "/"),
		inspect.Config.Image,
		nil
}

// setupLogging configures the logger based on config
func setupLogging(cfg *config.Config) *logrus.Logger {
	log := logrus.New()

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// Set format
	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return log
}
