package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmcptools/zmcp/internal/agents"
	"github.com/zmcptools/zmcp/internal/bus"
	"github.com/zmcptools/zmcp/internal/config"
	"github.com/zmcptools/zmcp/internal/log"
	"github.com/zmcptools/zmcp/internal/objectives"
	"github.com/zmcptools/zmcp/internal/orchestrator"
	"github.com/zmcptools/zmcp/internal/plans"
	"github.com/zmcptools/zmcp/internal/progress"
	"github.com/zmcptools/zmcp/internal/project"
	"github.com/zmcptools/zmcp/internal/rooms"
	"github.com/zmcptools/zmcp/internal/store"
	"github.com/zmcptools/zmcp/internal/supervisor"
	"github.com/zmcptools/zmcp/internal/tools"
	"github.com/zmcptools/zmcp/internal/tracing"
	"github.com/zmcptools/zmcp/internal/transport"
	"github.com/zmcptools/zmcp/internal/waiter"
)

var (
	agentCommand string
	agentArgs    []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration runtime",
	Long: `Run the orchestration runtime: the sqlite store, event bus, agent
supervisor, orchestration engine, dashboard connector, and the local
HTTP tool surface.

The tool surface listens on http.host:http.port and accepts
POST /tools/<operation> with a JSON body.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&agentCommand, "agent-command", "claude",
		"command used to launch agent processes")
	serveCmd.Flags().StringSliceVar(&agentArgs, "agent-args", nil,
		"extra arguments passed to the agent command")
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.EnsureDataDirs(cfg); err != nil {
		return err
	}
	if cfg.Debug {
		cleanup, err := log.Init(cfg.LogFilePath())
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
		log.SetMinLevel(log.LevelDebug)
	}

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	db, err := store.NewDB(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := bus.New()
	sup := supervisor.New(eventBus)
	sup.ForwardSignals(ctx)

	roomSvc := rooms.NewService(db, eventBus)
	objSvc := objectives.NewService(db, eventBus)
	planSvc := plans.NewService(db, objSvc)
	agentSvc := agents.NewService(db, eventBus, sup, roomSvc)
	engine := orchestrator.New(db, eventBus, agentSvc, objSvc, roomSvc,
		waiter.New(db, eventBus), progress.NewTracker(eventBus), orchestrator.Options{
			AgentCommand:    agentCommand,
			AgentArgs:       agentArgs,
			ResearchTimeout: time.Duration(cfg.Waiter.TimeoutMs) * time.Millisecond,
		})
	handler := tools.NewHandler(eventBus, engine, agentSvc, objSvc)
	projSvc := project.NewService(db, eventBus)

	repoPath, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}

	if loaded, err := planSvc.LoadFromDir(cfg.PlansDir(), repoPath); err != nil {
		log.Warn(log.CatConfig, "plan template load failed", "dir", cfg.PlansDir(), "error", err.Error())
	} else if len(loaded) > 0 {
		log.Info(log.CatConfig, "plan templates loaded", "count", len(loaded))
	}

	pid := os.Getpid()
	proj, _, err := projSvc.Register(project.RegisterParams{
		RepositoryPath: repoPath,
		ServerType:     "zmcp",
		ServerPID:      &pid,
		ServerPort:     &cfg.HTTP.Port,
		Host:           cfg.HTTP.Host,
	})
	if err != nil {
		return fmt.Errorf("registering project: %w", err)
	}
	log.SafeGo("serve.heartbeat", func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := projSvc.Heartbeat(proj.ID); err != nil {
					log.Warn(log.CatConfig, "project heartbeat failed", "error", err.Error())
				}
			}
		}
	})

	log.SafeGo("serve.reconcile", func() {
		agentSvc.RunReconciler(ctx, time.Duration(cfg.Agents.ReconcileIntervalSeconds)*time.Second)
	})

	connector := transport.New(eventBus, transport.Config{
		DataDir:                 cfg.DataDir,
		ProjectID:               proj.ID,
		RepositoryPath:          repoPath,
		StartTime:               time.Now(),
		AutoReconnect:           cfg.Dashboard.AutoReconnect,
		MaxReconnectAttempts:    cfg.Dashboard.MaxReconnectAttempts,
		ReconnectDelay:          time.Duration(cfg.Dashboard.ReconnectDelayMs) * time.Millisecond,
		MaxReconnectDelay:       time.Duration(cfg.Dashboard.MaxReconnectDelayMs) * time.Millisecond,
		ConnectionCheckInterval: time.Duration(cfg.Dashboard.ConnectionCheckIntervalMs) * time.Millisecond,
	})
	log.SafeGo("serve.transport", func() { connector.Run(ctx) })

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           toolMux(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	log.SafeGo("serve.http", func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	fmt.Printf("zmcp serving on %s (project %s)\n", srv.Addr, proj.ID)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown: stop the surface, cancel running
	// orchestrations, mark the project gone, then drain the bus.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if n := engine.CancelAll(); n > 0 {
		log.Info(log.CatOrch, "cancelled running orchestrations", "count", n)
	}
	if err := projSvc.Disconnect(proj.ID); err != nil {
		log.Warn(log.CatConfig, "project disconnect failed", "error", err.Error())
	}
	eventBus.Close()
	return nil
}

// toolMux exposes the tool surface over HTTP: one POST route per
// operation plus discovery and liveness endpoints.
func toolMux(handler *tools.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /operations", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"operations": handler.Operations()})
	})
	mux.HandleFunc("POST /tools/{operation}", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "reading request body", http.StatusBadRequest)
			return
		}
		writeJSON(w, handler.Call(r.Context(), r.PathValue("operation"), body))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
