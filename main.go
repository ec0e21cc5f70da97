package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joshcassell4/docorcpty/internal/config"
	"github.com/joshcassell4/docorcpty/internal/database"
	"github.com/joshcassell4/docorcpty/internal/handlers"
	"github.com/joshcassell4/docorcpty/internal/logging"
	"github.com/joshcassell4/docorcpty/internal/middleware"
	"github.com/joshcassell4/docorcpty/internal/orchestrator"
	"github.com/joshcassell4/docorcpty/internal/templates"
	"github.com/joshcassell4/docorcpty/internal/terminal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--list-templates":
			runCLICommand("list-templates")
			return
		case "--session-history":
			runCLICommand("session-history")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()
	if n, err := database.CloseStaleSessions(time.Now().UTC()); err != nil {
		log.Printf("WARNING: close stale sessions: %v", err)
	} else if n > 0 {
		log.Printf("Marked %d session(s) from a previous run as closed", n)
	}

	ctx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	if err := orchestrator.InitOrchestrator(ctx); err != nil {
		log.Printf("WARNING: %v", err)
	}

	// Init terminal session manager
	mgrCfg := terminal.ManagerConfigFromSettings(config.Cfg)
	mgrCfg.Recorder = database.SessionAudit{}
	sessionMgr := terminal.NewManager(orchestrator.Active{}, mgrCfg)
	if err := sessionMgr.Start(ctx); err != nil {
		log.Fatalf("Session reaper: %v", err)
	}
	handlers.SessionMgr = sessionMgr
	log.Printf("Session manager initialized (max=%d, idle=%s, lifetime=%s)",
		config.Cfg.MaxConcurrentSessions, config.Cfg.SessionIdleTimeout, config.Cfg.SessionMaxLifetime)

	// Templates
	registry := templates.NewRegistry(config.Cfg.TemplatesDir)
	if err := registry.Load(); err != nil {
		log.Printf("WARNING: load templates: %v", err)
	}
	if err := registry.Watch(); err != nil {
		log.Printf("WARNING: template hot reload disabled: %v", err)
	}
	handlers.Templates = registry

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS(config.Cfg.AllowedOrigins))

	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())
	handlers.RegisterAPI(r)

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sessionMgr.Stop()
	sessionMgr.CloseAll(terminal.ReasonShutdown)
	if err := registry.Close(); err != nil {
		log.Printf("Template watcher shutdown: %v", err)
	}
	cancelBackground()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum number of rows")
	fs.Parse(os.Args[2:])

	config.Load()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	switch command {
	case "list-templates":
		registry := templates.NewRegistry(config.Cfg.TemplatesDir)
		if err := registry.Load(); err != nil {
			log.Fatalf("Failed to load templates: %v", err)
		}
		fmt.Fprintln(w, "KIND\tNAME\tDETAIL")
		for _, t := range registry.Containers() {
			fmt.Fprintf(w, "container\t%s\t%s\n", t.Name, t.Image)
		}
		for _, t := range registry.AutomationTemplates() {
			fmt.Fprintf(w, "automation\t%s\t%d commands\n", t.Name, len(t.Commands))
		}

	case "session-history":
		if err := database.Init(); err != nil {
			log.Fatalf("Database init: %v", err)
		}
		defer database.Close()
		records, err := database.ListSessionRecords(*limit)
		if err != nil {
			log.Fatalf("Failed to list sessions: %v", err)
		}
		fmt.Fprintln(w, "ID\tCONTAINER\tMODE\tSTATUS\tREASON\tOPENED")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.ContainerRef, rec.Mode, rec.Status,
				rec.CloseReason, rec.OpenedAt.Format(time.RFC3339))
		}
	}
}
