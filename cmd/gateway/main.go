package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gliderlab/moltgate/cron"
	"github.com/gliderlab/moltgate/gateway"
	"github.com/gliderlab/moltgate/gateway/channels/telegram"
	"github.com/gliderlab/moltgate/pkg/config"
	"github.com/gliderlab/moltgate/pkg/discipline"
	"github.com/gliderlab/moltgate/pkg/extensions"
	"github.com/gliderlab/moltgate/pkg/jsonstore"
	"github.com/gliderlab/moltgate/pkg/kv"
	"github.com/gliderlab/moltgate/pkg/pairing"
	"github.com/gliderlab/moltgate/processtool"
	"github.com/gliderlab/moltgate/storage"
)

func main() {
	log.Println("Starting moltgate...")

	configDir := config.DefaultConfigDir()
	cfg, err := config.Load(configDir)
	if err != nil {
		log.Fatalf("Failed to load config from %s: %v", configDir, err)
	}
	if cfg.Telegram.WebhookSecret == "" {
		log.Printf("[WARN] TELEGRAM_WEBHOOK_SECRET not configured, %s will answer 500", config.WebhookRoute)
	}

	_ = os.MkdirAll(cfg.StateDir, 0o755)
	_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755)

	// Hint markers: in-memory unless a directory is configured
	hints, err := kv.Open(kv.DefaultOptions(cfg.KVDir))
	if err != nil {
		log.Fatalf("Failed to open marker store: %v", err)
	}
	defer hints.Close()

	journal, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer journal.Close()

	tg := telegram.NewClient(cfg.Telegram.BotToken,
		telegram.WithBaseURL(cfg.Telegram.APIBaseURL),
		telegram.WithTimeout(cfg.Telegram.Timeout),
		telegram.WithRateLimit(cfg.Telegram.RateLimit, cfg.Telegram.RateBurst),
	)
	if !tg.HasToken() {
		log.Printf("ℹ️ No TELEGRAM_BOT_TOKEN configured, ack reactions and hints are disabled")
	}

	runner := processtool.CommandRunner{}
	backend := processtool.NewSupervisor(cfg.Backend, processtool.WithRunner(runner))
	defer backend.Stop()

	agentConfig := jsonstore.NewFile(config.ConfigFilePath(cfg.StateDir))
	pairings := pairing.NewStore(cfg.StateDir)

	srv := gateway.New(*cfg)
	hookRegistry := srv.GetHooksRegistry()

	tracker := discipline.NewTracker(config.DisciplineFilePath(cfg.StateDir), discipline.Deps{
		Allowlist:   pairings,
		Permissions: agentConfig,
		Notifier:    tg,
		Restarter:   backend,
		Journal:     journal,
		Events:      hookRegistry,
	})
	if groups, err := tracker.List(); err == nil {
		log.Printf("[Discipline] %d groups configured", len(groups))
	}

	commands := extensions.NewRegistry()
	tools := extensions.NewTelegramTools(extensions.TelegramSettings{
		BotToken:      cfg.Telegram.BotToken,
		WorkerURL:     cfg.Telegram.WorkerURL,
		WebhookSecret: cfg.Telegram.WebhookSecret,
	}, tg, agentConfig, pairings, tracker)
	if err := commands.Register(tools.Command()); err != nil {
		log.Fatalf("Failed to register /telegram: %v", err)
	}
	if err := commands.Register(extensions.HooksCommand(hookRegistry)); err != nil {
		log.Fatalf("Failed to register /hooks: %v", err)
	}
	if err := extensions.RegisterScripts(commands, runner, extensions.DefaultScripts); err != nil {
		log.Fatalf("Failed to register scripts: %v", err)
	}

	maintenance := cron.NewScheduler()
	interval := cfg.MaintenanceInterval
	if interval <= 0 {
		interval = time.Hour
	}
	if cfg.JournalRetention > 0 {
		addJob(maintenance, &cron.Job{
			Name:     "journal_retention",
			Schedule: cron.Every(interval),
			Run: func(ctx context.Context) error {
				n, err := journal.PruneEvents(time.Now().Add(-cfg.JournalRetention))
				if err == nil && n > 0 {
					log.Printf("[Maintenance] Pruned %d journal events", n)
				}
				return err
			},
		})
	}
	if cfg.KVDir != "" {
		addJob(maintenance, &cron.Job{
			Name:     "marker_gc",
			Schedule: cron.Every(interval),
			Run: func(ctx context.Context) error {
				return hints.GC()
			},
		})
	}
	if err := commands.Register(&extensions.Command{
		Name:        "maintenance",
		Description: "Show or run gateway maintenance jobs",
		AcceptsArgs: true,
		Handler: func(ctx context.Context, args string) (string, error) {
			if args == "" {
				return maintenance.StatusText() + "\n\n" + journalSummary(journal, time.Now().Add(-24*time.Hour)), nil
			}
			if err := maintenance.RunJob(ctx, args); err != nil {
				return "[FAIL] " + err.Error(), nil
			}
			return "[PASS] Ran " + args, nil
		},
	}); err != nil {
		log.Fatalf("Failed to register /maintenance: %v", err)
	}
	maintenance.Start()
	defer maintenance.Stop()

	srv.SetTelegram(tg)
	srv.SetBackend(backend)
	srv.SetHintStore(hints)
	srv.SetAgentConfig(agentConfig)
	srv.SetJournal(journal)
	srv.SetCommands(commands)
	hookRegistry.Register(tracker.Hook())

	// Start a managed backend early instead of on the first update
	if cfg.Backend.Command != "" {
		srv.Tasks().Go("backend_warmup", func(ctx context.Context) error {
			return backend.EnsureRunning(ctx)
		})
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("Gateway start failed: %v", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	log.Println("Gateway shutting down...")
	srv.Stop()
}

func addJob(s *cron.Scheduler, job *cron.Job) {
	if err := s.Add(job); err != nil {
		log.Fatalf("Failed to schedule %s: %v", job.Name, err)
	}
}

// journalSummary counts journal events per kind since t
func journalSummary(journal *storage.Storage, since time.Time) string {
	lines := []string{"Journal (last 24h):"}
	for _, kind := range []string{storage.EventForwardFailure, storage.EventDisciplineTrigger, storage.EventHintSent} {
		n, err := journal.CountEvents(kind, since)
		if err != nil {
			lines = append(lines, fmt.Sprintf("  %s: error: %v", kind, err))
			continue
		}
		lines = append(lines, fmt.Sprintf("  %s: %d", kind, n))
	}
	return strings.Join(lines, "\n")
}
