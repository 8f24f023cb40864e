// Package watchdog implements the periodic productivity auditor: an
// independent background cycle, modeled on the teacher's
// BackgroundAgentManager ticker-per-agent-type shape but specialized to
// the single auxiliary-model check this spec needs.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kolobosdimitrios/conductor/agent"
	"github.com/kolobosdimitrios/conductor/bus"
	"github.com/kolobosdimitrios/conductor/store"
)

// minMessagesToAudit is the teacher-mirrored threshold below which a
// ticket is too young to usefully judge for productivity.
const minMessagesToAudit = 10

// tailMessages bounds how much of the transcript is sent to the
// auxiliary model per check.
const tailMessages = 30

// auxCallTimeout bounds the auxiliary-model call per §5.
const auxCallTimeout = 30 * time.Second

// AgentInvoker is the narrow capability the Watchdog needs to run one
// auxiliary-model check; satisfied by *agent.AuditingSpawner.
type AgentInvoker interface {
	Spawn(ctx context.Context, prompt, workDir, model string, env []string, ticketID, sessionID string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error)
}

// Notifier is the narrow capability the Watchdog needs to raise a
// watchdog_alert notification.
type Notifier interface {
	NotifyWatchdogAlert(project *store.Project, ticket *store.Ticket, reason string)
}

// Watchdog audits every in-progress ticket with enough history once per
// Interval, transitioning unproductive ones to stuck.
type Watchdog struct {
	store    *store.Store
	bus      *bus.Bus
	invoker  AgentInvoker
	notifier Notifier
	logger   *slog.Logger

	auxModel string
	workDir  string
	interval time.Duration
}

// New returns a Watchdog that audits on a timer of interval. b may be
// nil, in which case a STUCK verdict is still recorded and notified but
// never broadcast.
func New(st *store.Store, b *bus.Bus, invoker AgentInvoker, notifier Notifier, logger *slog.Logger, auxModel, workDir string, interval time.Duration) *Watchdog {
	return &Watchdog{
		store:    st,
		bus:      b,
		invoker:  invoker,
		notifier: notifier,
		logger:   logger.With("component", "watchdog"),
		auxModel: auxModel,
		workDir:  workDir,
		interval: interval,
	}
}

// Run loops until ctx is canceled, auditing every Interval.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.auditCycle(ctx)
		}
	}
}

func (w *Watchdog) auditCycle(ctx context.Context) {
	tickets, err := w.store.ListTicketsByStatus(store.StatusInProgress)
	if err != nil {
		w.logger.Error("list in_progress tickets", "error", err)
		return
	}

	for i := range tickets {
		ticket := tickets[i]
		if err := w.auditTicket(ctx, &ticket); err != nil {
			w.logger.Warn("audit ticket", "ticket", ticket.TicketNumber, "error", err)
		}
	}
}

func (w *Watchdog) auditTicket(ctx context.Context, ticket *store.Ticket) error {
	messages, err := w.store.ListConversationMessages(ticket.ID)
	if err != nil {
		return err
	}
	if len(messages) < minMessagesToAudit {
		return nil
	}

	tail := messages
	if len(tail) > tailMessages {
		tail = tail[len(tail)-tailMessages:]
	}

	verdict, ok := w.askVerdict(ctx, ticket.ID, tail)
	if !ok || verdict == "" {
		return nil
	}

	stuck, reason := parseVerdict(verdict)
	if !stuck {
		return nil
	}

	if err := w.store.MarkStuck(ticket.ID, reason); err != nil {
		return fmt.Errorf("watchdog: mark stuck: %w", err)
	}
	w.publishStuck(ticket, reason)
	if err := w.store.AppendConversationMessage(&store.ConversationMessage{
		TicketID: ticket.ID,
		Role:     store.RoleSystem,
		Content:  fmt.Sprintf("Watchdog marked this ticket stuck: %s", reason),
	}); err != nil {
		w.logger.Warn("append watchdog note", "ticket", ticket.TicketNumber, "error", err)
	}
	if _, err := w.store.MarkAllRunningSessionsStuck(); err != nil {
		w.logger.Warn("mark running sessions stuck", "error", err)
	}

	project, err := w.store.GetProject(ticket.ProjectID)
	if err == nil && project != nil {
		w.notifier.NotifyWatchdogAlert(project, ticket, reason)
	}
	return nil
}

// publishStuck broadcasts the STUCK verdict on both the global
// ticket_stuck feed and the ticket's own topic, per §4.G's "emit email +
// notification + broadcast" requirement.
func (w *Watchdog) publishStuck(ticket *store.Ticket, reason string) {
	if w.bus == nil {
		return
	}
	payload := map[string]any{
		"ticket_id":     ticket.ID,
		"ticket_number": ticket.TicketNumber,
		"reason":        reason,
	}
	w.bus.PublishJSON(bus.TopicTicketStuck, bus.EventTicketStuck, payload)
	w.bus.PublishJSON(bus.TicketTopic(ticket.ID), bus.EventTicketStuck, payload)
}

func (w *Watchdog) askVerdict(ctx context.Context, ticketID string, messages []store.ConversationMessage) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, auxCallTimeout)
	defer cancel()

	prompt := buildVerdictPrompt(messages)

	var output strings.Builder
	sessionID := "watchdog-" + ticketID
	_, err := w.invoker.Spawn(ctx, prompt, w.workDir, w.auxModel, nil, ticketID, sessionID, func(event agent.StreamEvent) error {
		if event.Type != "assistant" || len(event.Message) == 0 {
			return nil
		}
		msg, err := agent.ParseAssistantMessage(event.Message)
		if err != nil {
			return nil
		}
		for _, block := range msg.Content {
			if block.Type == "text" {
				output.WriteString(block.Text)
			}
		}
		return nil
	}, nil)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(output.String()), true
}

func buildVerdictPrompt(messages []store.ConversationMessage) string {
	var lines []string
	for _, m := range messages {
		content := m.Content
		if len(content) > 1000 {
			content = content[:1000]
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", strings.ToUpper(string(m.Role)), content))
	}
	return fmt.Sprintf(`You are auditing an autonomous coding agent's progress on a ticket.

TRANSCRIPT (most recent messages):
%s

Is the agent making real progress, or is it stuck (looping, repeating the
same failing approach, or idle without producing useful output)?

Respond with EXACTLY one line:
CONTINUE
or
STUCK: <short reason>`, strings.Join(lines, "\n"))
}

// parseVerdict extracts the STUCK/CONTINUE decision from the auxiliary
// model's single-line response, tolerant of surrounding whitespace or a
// stray leading/trailing sentence.
func parseVerdict(verdict string) (stuck bool, reason string) {
	for _, line := range strings.Split(verdict, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		if upper == "CONTINUE" {
			return false, ""
		}
		if strings.HasPrefix(upper, "STUCK") {
			if idx := strings.Index(line, ":"); idx >= 0 {
				return true, strings.TrimSpace(line[idx+1:])
			}
			return true, "watchdog judged this ticket unproductive"
		}
	}
	return false, ""
}
