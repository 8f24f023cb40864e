package agent

import (
	"context"
	"fmt"
	"strings"
)

// maxAuditChars caps the prompt/response text persisted in an audit
// record, matching store.MaxMessageContentChars.
const maxAuditChars = 50_000

// AuditLogger receives a record of every prompt sent to and response
// received from an agent invocation.
type AuditLogger interface {
	LogPromptSent(ticketID, sessionID, prompt string)
	LogResponseReceived(ticketID, sessionID, response string)
	LogError(ticketID, sessionID string, err error)
}

// AuditRecorder is the subset of store.Store an AuditLogger writes
// through. The audit trail is a daemon_log mirror, a sink separate from
// conversation_messages: it must never feed context building or the
// Consumer's own per-block transcript, only operator/debug visibility.
type AuditRecorder interface {
	AppendDaemonLog(level, component, message string) error
}

func truncateForAudit(s string) string {
	if len(s) <= maxAuditChars {
		return s
	}
	return s[:maxAuditChars] + "...[truncated]"
}

// StoreAuditLogger mirrors prompt/response/error records into the
// daemon log through an AuditRecorder.
type StoreAuditLogger struct {
	store AuditRecorder
}

// NewStoreAuditLogger returns an AuditLogger backed by store.
func NewStoreAuditLogger(store AuditRecorder) *StoreAuditLogger {
	return &StoreAuditLogger{store: store}
}

func (l *StoreAuditLogger) append(level, ticketID, sessionID, kind, content string) {
	_ = l.store.AppendDaemonLog(level, "agent-audit",
		fmt.Sprintf("ticket=%s session=%s %s: %s", ticketID, sessionID, kind, truncateForAudit(content)))
}

func (l *StoreAuditLogger) LogPromptSent(ticketID, sessionID, prompt string) {
	l.append("info", ticketID, sessionID, "prompt sent", prompt)
}

func (l *StoreAuditLogger) LogResponseReceived(ticketID, sessionID, response string) {
	l.append("info", ticketID, sessionID, "response received", response)
}

func (l *StoreAuditLogger) LogError(ticketID, sessionID string, err error) {
	l.append("error", ticketID, sessionID, "agent error", err.Error())
}

// NoOpAuditLogger discards everything, used when audit logging is
// disabled.
type NoOpAuditLogger struct{}

func (NoOpAuditLogger) LogPromptSent(string, string, string)       {}
func (NoOpAuditLogger) LogResponseReceived(string, string, string) {}
func (NoOpAuditLogger) LogError(string, string, error)             {}

// AuditingSpawner decorates a Spawner, logging the prompt sent and the
// assembled response text around every invocation. It reuses the
// decorator shape rather than baking logging into Spawner itself, so a
// worker can run with or without an audit trail by choice of
// constructor.
type AuditingSpawner struct {
	inner  *Spawner
	logger AuditLogger
}

// NewAuditingSpawner wraps inner with logger.
func NewAuditingSpawner(inner *Spawner, logger AuditLogger) *AuditingSpawner {
	return &AuditingSpawner{inner: inner, logger: logger}
}

// Spawn delegates to the inner Spawner, logging the prompt before
// starting and the concatenated assistant text after the subprocess
// exits.
func (a *AuditingSpawner) Spawn(ctx context.Context, prompt, workDir, model string, env []string, ticketID, sessionID string, handle EventHandler, onRaw func(string)) (*Run, error) {
	a.logger.LogPromptSent(ticketID, sessionID, prompt)

	var response strings.Builder
	wrapped := func(event StreamEvent) error {
		if event.Type == "assistant" && len(event.Message) > 0 {
			msg, err := ParseAssistantMessage(event.Message)
			if err == nil {
				for _, block := range msg.Content {
					if block.Type == "text" {
						response.WriteString(block.Text)
					}
				}
			}
		}
		return handle(event)
	}

	run, err := a.inner.Spawn(ctx, prompt, workDir, model, env, wrapped, onRaw)
	if err != nil {
		a.logger.LogError(ticketID, sessionID, err)
		return run, err
	}
	if run.Err != nil {
		a.logger.LogError(ticketID, sessionID, run.Err)
	}
	if response.Len() > 0 {
		a.logger.LogResponseReceived(ticketID, sessionID, response.String())
	}
	return run, nil
}
