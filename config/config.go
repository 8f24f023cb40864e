// Package config loads daemon configuration from layered sources: built-in
// defaults, an optional site config file, command-line flags, and the
// environment (for secrets).
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the daemon needs at startup.
type Config struct {
	DBPath string

	PollInterval       time.Duration
	MaxParallelProjects int
	StuckTimeout        time.Duration
	WatchdogInterval    time.Duration

	ExtractionThreshold int
	RecentTokensBudget  int
	MaxSingleMessage    int
	MaxTotalTokens      int
	ProjectMapExpiry    time.Duration

	BackupDir     string
	MaxBackups    int
	BackupInterval time.Duration

	AuxModel   string
	AgentModel string

	// GlobalContextPath points at a single site-wide text file folded
	// into every preamble's ENVIRONMENT section, if present.
	GlobalContextPath string

	// Operator-configured communication preferences, folded into every
	// preamble's USER PREFERENCES section.
	UserLanguage      string
	UserResponseStyle string
	UserSkillLevel    string
	UserQuirks        string

	AnthropicAPIKey string

	NotifyWebhookURL string
	SMTPHost         string
	SMTPPort         int
	SMTPUser         string
	SMTPPassword     string
	SMTPFrom         string
	SMTPTo           string
	SMTPEnabled      bool
	SMTPAlertEmail   string

	TelegramBotToken string
	TelegramChatID   string

	NotifyTicketCompleted bool
	NotifyAwaitingInput   bool
	NotifyTicketFailed    bool
	NotifyWatchdogAlert   bool

	// Default per-project database credentials, used when a project row
	// does not carry its own. Per-project values always take priority.
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string

	Verbose bool
}

// Default returns the baseline configuration mirroring the daemon's
// original constants.
func Default() *Config {
	return &Config{
		DBPath: "conductor.db",

		PollInterval:        3 * time.Second,
		MaxParallelProjects: 3,
		StuckTimeout:        30 * time.Minute,
		WatchdogInterval:    30 * time.Minute,

		ExtractionThreshold: 50_000,
		RecentTokensBudget:  50_000,
		MaxSingleMessage:    10_000,
		MaxTotalTokens:      100_000,
		ProjectMapExpiry:    7 * 24 * time.Hour,

		BackupDir:      "backups",
		MaxBackups:     30,
		BackupInterval: 6 * time.Hour,

		AuxModel:   "haiku",
		AgentModel: "sonnet",

		SMTPPort: 587,

		NotifyTicketCompleted: true,
		NotifyAwaitingInput:   true,
		NotifyTicketFailed:    true,
		NotifyWatchdogAlert:   true,
	}
}

// Load builds a Config by applying, in order: defaults, the site config
// file at path (if it exists), flags registered on fs, then environment
// variables (the CONDUCTOR_* keys plus ANTHROPIC_API_KEY and the
// TELEGRAM_* keys). args is typically os.Args[1:].
func Load(fs *flag.FlagSet, args []string, siteConfigPath string) (*Config, error) {
	cfg := Default()

	if siteConfigPath != "" {
		if err := applyFile(cfg, siteConfigPath); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	registerFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}

	applyEnv(cfg)

	return cfg, nil
}

func registerFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the sqlite database file")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "scheduler poll interval")
	fs.IntVar(&cfg.MaxParallelProjects, "max-parallel-projects", cfg.MaxParallelProjects, "maximum number of projects worked concurrently")
	fs.DurationVar(&cfg.StuckTimeout, "stuck-timeout", cfg.StuckTimeout, "duration of silence before a ticket is marked stuck")
	fs.DurationVar(&cfg.WatchdogInterval, "watchdog-interval", cfg.WatchdogInterval, "interval between watchdog productivity checks")
	fs.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "directory backups are written to")
	fs.IntVar(&cfg.MaxBackups, "max-backups", cfg.MaxBackups, "number of backups retained before pruning")
	fs.DurationVar(&cfg.BackupInterval, "backup-interval", cfg.BackupInterval, "interval between automatic backups")
	fs.StringVar(&cfg.AuxModel, "aux-model", cfg.AuxModel, "model alias used for context summarization and watchdog checks")
	fs.StringVar(&cfg.AgentModel, "agent-model", cfg.AgentModel, "model alias used for worker ticket agents")
	fs.StringVar(&cfg.GlobalContextPath, "global-context-path", cfg.GlobalContextPath, "path to a site-wide text file folded into every agent preamble")
	fs.StringVar(&cfg.UserLanguage, "user-language", cfg.UserLanguage, "preferred language for agent responses")
	fs.StringVar(&cfg.UserResponseStyle, "user-response-style", cfg.UserResponseStyle, "preferred response style for agent responses")
	fs.StringVar(&cfg.UserSkillLevel, "user-skill-level", cfg.UserSkillLevel, "operator skill level, shown to the agent")
	fs.StringVar(&cfg.UserQuirks, "user-quirks", cfg.UserQuirks, "any standing operator quirks or instructions shown to the agent")
	fs.BoolVar(&cfg.NotifyTicketCompleted, "notify-ticket-completed", cfg.NotifyTicketCompleted, "send a notification when a ticket completes")
	fs.BoolVar(&cfg.NotifyAwaitingInput, "notify-awaiting-input", cfg.NotifyAwaitingInput, "send a notification when a ticket awaits review")
	fs.BoolVar(&cfg.NotifyTicketFailed, "notify-ticket-failed", cfg.NotifyTicketFailed, "send a notification when a ticket fails")
	fs.BoolVar(&cfg.NotifyWatchdogAlert, "notify-watchdog-alert", cfg.NotifyWatchdogAlert, "send a notification when the watchdog marks a ticket stuck")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable verbose logging")
}

// applyFile parses a dotenv-style site config file: KEY=value lines,
// blank lines and lines starting with # ignored. Unknown keys are
// skipped rather than rejected, since the file is meant to be shared
// across daemon versions.
func applyFile(cfg *Config, path string) error {
	vals, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	applyMap(cfg, vals)
	return nil
}

func applyEnv(cfg *Config) {
	vals := map[string]string{}
	for _, key := range []string{
		"CONDUCTOR_DB_PATH",
		"CONDUCTOR_POLL_INTERVAL",
		"CONDUCTOR_MAX_PARALLEL_PROJECTS",
		"CONDUCTOR_STUCK_TIMEOUT",
		"CONDUCTOR_WATCHDOG_INTERVAL",
		"CONDUCTOR_BACKUP_DIR",
		"CONDUCTOR_MAX_BACKUPS",
		"CONDUCTOR_AUX_MODEL",
		"CONDUCTOR_AGENT_MODEL",
		"CONDUCTOR_GLOBAL_CONTEXT_PATH",
		"CONDUCTOR_USER_LANGUAGE",
		"CONDUCTOR_USER_RESPONSE_STYLE",
		"CONDUCTOR_USER_SKILL_LEVEL",
		"CONDUCTOR_USER_QUIRKS",
		"ANTHROPIC_API_KEY",
		"CONDUCTOR_NOTIFY_WEBHOOK_URL",
		"CONDUCTOR_SMTP_HOST",
		"CONDUCTOR_SMTP_PORT",
		"CONDUCTOR_SMTP_USER",
		"CONDUCTOR_SMTP_PASSWORD",
		"CONDUCTOR_SMTP_FROM",
		"CONDUCTOR_SMTP_TO",
		"CONDUCTOR_SMTP_ENABLED",
		"CONDUCTOR_SMTP_ALERT_EMAIL",
		"CONDUCTOR_DB_HOST",
		"CONDUCTOR_DB_USER",
		"CONDUCTOR_DB_PASSWORD",
		"CONDUCTOR_DB_NAME",
	} {
		if v, ok := os.LookupEnv(key); ok {
			vals[strings.TrimPrefix(key, "CONDUCTOR_")] = v
		}
	}
	if v, ok := os.LookupEnv("ANTHROPIC_API_KEY"); ok {
		cfg.AnthropicAPIKey = v
	}
	if v, ok := os.LookupEnv("TELEGRAM_BOT_TOKEN"); ok {
		cfg.TelegramBotToken = v
	}
	if v, ok := os.LookupEnv("TELEGRAM_CHAT_ID"); ok {
		cfg.TelegramChatID = v
	}
	applyMap(cfg, vals)
}

func applyMap(cfg *Config, vals map[string]string) {
	if v, ok := vals["DB_PATH"]; ok {
		cfg.DBPath = v
	}
	if v, ok := vals["POLL_INTERVAL"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v, ok := vals["MAX_PARALLEL_PROJECTS"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallelProjects = n
		}
	}
	if v, ok := vals["STUCK_TIMEOUT"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StuckTimeout = d
		}
	}
	if v, ok := vals["WATCHDOG_INTERVAL"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WatchdogInterval = d
		}
	}
	if v, ok := vals["BACKUP_DIR"]; ok {
		cfg.BackupDir = v
	}
	if v, ok := vals["MAX_BACKUPS"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBackups = n
		}
	}
	if v, ok := vals["AUX_MODEL"]; ok {
		cfg.AuxModel = v
	}
	if v, ok := vals["AGENT_MODEL"]; ok {
		cfg.AgentModel = v
	}
	if v, ok := vals["GLOBAL_CONTEXT_PATH"]; ok {
		cfg.GlobalContextPath = v
	}
	if v, ok := vals["USER_LANGUAGE"]; ok {
		cfg.UserLanguage = v
	}
	if v, ok := vals["USER_RESPONSE_STYLE"]; ok {
		cfg.UserResponseStyle = v
	}
	if v, ok := vals["USER_SKILL_LEVEL"]; ok {
		cfg.UserSkillLevel = v
	}
	if v, ok := vals["USER_QUIRKS"]; ok {
		cfg.UserQuirks = v
	}
	if v, ok := vals["NOTIFY_WEBHOOK_URL"]; ok {
		cfg.NotifyWebhookURL = v
	}
	if v, ok := vals["SMTP_HOST"]; ok {
		cfg.SMTPHost = v
	}
	if v, ok := vals["SMTP_PORT"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTPPort = n
		}
	}
	if v, ok := vals["SMTP_USER"]; ok {
		cfg.SMTPUser = v
	}
	if v, ok := vals["SMTP_PASSWORD"]; ok {
		cfg.SMTPPassword = v
	}
	if v, ok := vals["SMTP_FROM"]; ok {
		cfg.SMTPFrom = v
	}
	if v, ok := vals["SMTP_TO"]; ok {
		cfg.SMTPTo = v
	}
	if v, ok := vals["SMTP_ENABLED"]; ok {
		cfg.SMTPEnabled = parseBool(v, cfg.SMTPEnabled)
	}
	if v, ok := vals["SMTP_ALERT_EMAIL"]; ok {
		cfg.SMTPAlertEmail = v
	}
	if v, ok := vals["TELEGRAM_BOT_TOKEN"]; ok {
		cfg.TelegramBotToken = v
	}
	if v, ok := vals["TELEGRAM_CHAT_ID"]; ok {
		cfg.TelegramChatID = v
	}
	if v, ok := vals["NOTIFY_TICKET_COMPLETED"]; ok {
		cfg.NotifyTicketCompleted = parseBool(v, cfg.NotifyTicketCompleted)
	}
	if v, ok := vals["NOTIFY_AWAITING_INPUT"]; ok {
		cfg.NotifyAwaitingInput = parseBool(v, cfg.NotifyAwaitingInput)
	}
	if v, ok := vals["NOTIFY_TICKET_FAILED"]; ok {
		cfg.NotifyTicketFailed = parseBool(v, cfg.NotifyTicketFailed)
	}
	if v, ok := vals["NOTIFY_WATCHDOG_ALERT"]; ok {
		cfg.NotifyWatchdogAlert = parseBool(v, cfg.NotifyWatchdogAlert)
	}
	if v, ok := vals["DB_HOST"]; ok {
		cfg.DBHost = v
	}
	if v, ok := vals["DB_USER"]; ok {
		cfg.DBUser = v
	}
	if v, ok := vals["DB_PASSWORD"]; ok {
		cfg.DBPassword = v
	}
	if v, ok := vals["DB_NAME"]; ok {
		cfg.DBName = v
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
