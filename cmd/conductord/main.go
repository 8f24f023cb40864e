// Conductord runs the ticket-orchestration daemon: it claims tickets,
// dispatches them to agent subprocesses, and drives them to completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kolobosdimitrios/conductor"
	"github.com/kolobosdimitrios/conductor/agent"
	"github.com/kolobosdimitrios/conductor/backup"
	"github.com/kolobosdimitrios/conductor/bus"
	"github.com/kolobosdimitrios/conductor/config"
	conductorcontext "github.com/kolobosdimitrios/conductor/context"
	"github.com/kolobosdimitrios/conductor/metrics"
	"github.com/kolobosdimitrios/conductor/notify"
	"github.com/kolobosdimitrios/conductor/store"
	"github.com/kolobosdimitrios/conductor/watchdog"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "run", "status", "recover":
			cmd = args[0]
			args = args[1:]
		case "-version", "--version":
			fmt.Printf("conductord %s (commit %s)\n", version, gitCommit)
			return
		}
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	siteConfig := fs.String("config", "/etc/conductor/conductor.conf", "site config file")
	pidFile := fs.String("pid-file", "", "write the daemon's pid to this path")
	claudeBin := fs.String("claude-binary", "claude", "path to the claude CLI binary")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	runCommand(cmd, fs.Args(), *siteConfig, *pidFile, *claudeBin)
}

func runCommand(cmd string, args []string, siteConfigPath, pidFile, claudeBinary string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg, err := config.Load(fs, args, siteConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening database %s: %v\n", cfg.DBPath, err)
		os.Exit(1)
	}
	defer db.Close()
	st := store.New(db)

	switch cmd {
	case "status":
		runStatus(st)
		return
	case "recover":
		runRecover(st, logger)
		return
	}

	spawner, err := agent.NewSpawner(claudeBinary, cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolving claude binary: %v\n", err)
		os.Exit(1)
	}
	auditedSpawner := agent.NewAuditingSpawner(spawner, agent.NewStoreAuditLogger(st))

	summarizer := conductorcontext.NewSummarizer(spawner, cfg.AuxModel, cfg.BackupDir)
	builder, err := conductorcontext.NewBuilder(st, summarizer, conductorcontext.Thresholds{
		ExtractionThreshold: cfg.ExtractionThreshold,
		RecentTokensBudget:  cfg.RecentTokensBudget,
		MaxSingleMessage:    cfg.MaxSingleMessage,
		MaxTotalTokens:      cfg.MaxTotalTokens,
		ProjectMapExpiry:    cfg.ProjectMapExpiry,
	}, conductorcontext.Preferences{
		Language:      cfg.UserLanguage,
		ResponseStyle: cfg.UserResponseStyle,
		SkillLevel:    cfg.UserSkillLevel,
		Quirks:        cfg.UserQuirks,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "building context builder: %v\n", err)
		os.Exit(1)
	}

	backupSvc := backup.New(st, cfg.BackupDir, cfg.MaxBackups)

	notifyCfg := notify.Config{
		TelegramBotToken:      cfg.TelegramBotToken,
		TelegramChatID:        cfg.TelegramChatID,
		NotifyTicketCompleted: cfg.NotifyTicketCompleted,
		NotifyAwaitingInput:   cfg.NotifyAwaitingInput,
		NotifyTicketFailed:    cfg.NotifyTicketFailed,
		NotifyWatchdogAlert:   cfg.NotifyWatchdogAlert,
		SMTPHost:              cfg.SMTPHost,
		SMTPPort:              cfg.SMTPPort,
		SMTPUser:              cfg.SMTPUser,
		SMTPPassword:          cfg.SMTPPassword,
		SMTPFrom:              cfg.SMTPFrom,
		SMTPTo:                cfg.SMTPTo,
		SMTPEnabled:           cfg.SMTPEnabled,
		SMTPAlertEmail:        cfg.SMTPAlertEmail,
	}
	notifyChannel := notify.New(st, notifyCfg, spawner, cfg.AuxModel, cfg.BackupDir, logger)

	eventBus := bus.New()
	wd := watchdog.New(st, eventBus, auditedSpawner, notifyChannel, logger, cfg.AuxModel, cfg.BackupDir, cfg.WatchdogInterval)

	m := metrics.New()

	sched := conductor.New(conductor.Deps{
		Store:               st,
		Bus:                 eventBus,
		ContextBuilder:      builder,
		Backup:              backupSvc,
		Spawner:             auditedSpawner,
		Notifier:            notifyChannel,
		Metrics:             m,
		Logger:              logger,
		PollInterval:        cfg.PollInterval,
		MaxParallelProjects: cfg.MaxParallelProjects,
		StuckTimeout:        cfg.StuckTimeout,
		AgentModel:          cfg.AgentModel,
		GlobalContextPath:   cfg.GlobalContextPath,
		PIDFile:             pidFile,
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	go conductor.RunWatchdog(ctx, wd)
	go conductor.RunNotificationChannel(ctx, notifyChannel)

	logger.Info("conductord starting", "db", cfg.DBPath, "max_parallel_projects", cfg.MaxParallelProjects)
	if err := sched.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scheduler error: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(st *store.Store) {
	counts, err := st.CountByStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading ticket counts: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== Conductor Status ===")
	fmt.Println()
	fmt.Printf("  NEW:             %d\n", counts[store.StatusNew])
	fmt.Printf("  OPEN:            %d\n", counts[store.StatusOpen])
	fmt.Printf("  PENDING:         %d\n", counts[store.StatusPending])
	fmt.Printf("  IN_PROGRESS:     %d\n", counts[store.StatusInProgress])
	fmt.Printf("  AWAITING_INPUT:  %d\n", counts[store.StatusAwaitingInput])
	fmt.Printf("  STUCK:           %d\n", counts[store.StatusStuck])
	fmt.Printf("  SKIPPED:         %d\n", counts[store.StatusSkipped])
	fmt.Printf("  FAILED:          %d\n", counts[store.StatusFailed])
	fmt.Printf("  DONE:            %d\n", counts[store.StatusDone])
}

func runRecover(st *store.Store, logger *slog.Logger) {
	sched := conductor.New(conductor.Deps{Store: st, Logger: logger})
	if err := sched.ForceRecover(); err != nil {
		fmt.Fprintf(os.Stderr, "recovery failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("recovery pass complete")
}
