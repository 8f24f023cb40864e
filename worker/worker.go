// Package worker implements the per-project ProjectWorker: the serial
// ticket executor that drives one project's tickets through the
// lifecycle state machine, one agent session at a time.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kolobosdimitrios/conductor/agent"
	"github.com/kolobosdimitrios/conductor/backup"
	"github.com/kolobosdimitrios/conductor/bus"
	conductorcontext "github.com/kolobosdimitrios/conductor/context"
	"github.com/kolobosdimitrios/conductor/store"
)

// AgentSpawner is the narrow capability a Worker needs to run one agent
// invocation; satisfied by *agent.AuditingSpawner.
type AgentSpawner interface {
	Spawn(ctx context.Context, prompt, workDir, model string, env []string, ticketID, sessionID string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error)
}

// Notifier is the narrow capability a Worker needs to raise the
// outbound event kinds its own lifecycle transitions can trigger;
// satisfied by *notify.Channel. ticket_completed is raised by the
// Scheduler instead, since it fires on operator approval of an
// awaiting_input ticket that no longer has a live worker.
type Notifier interface {
	NotifyAwaitingInput(project *store.Project, ticket *store.Ticket)
	NotifyTicketFailed(project *store.Project, ticket *store.Ticket, reason string)
	NotifyTicketStuck(project *store.Project, ticket *store.Ticket, reason string)
}

// fallbackProjectRoot is used when a project carries neither a web nor
// an app path, matching ContextBuilder's own allow-list fallback.
const fallbackProjectRoot = "/var/www/projects"

const (
	cmdDone = "/done"
	cmdSkip = "/skip"
	cmdStop = "/stop"
)

// Deps bundles a Worker's collaborators so the scheduler can construct
// one per live project without the worker reaching back into it.
type Deps struct {
	Store          *store.Store
	Bus            *bus.Bus
	ContextBuilder *conductorcontext.Builder
	Backup         *backup.Service
	Spawner        AgentSpawner
	Notifier       Notifier
	Logger         *slog.Logger

	PollInterval      time.Duration
	StuckTimeout      time.Duration
	AgentModel        string
	AgentEnv          []string
	GlobalContextPath string
}

// Worker is the sole live executor for one project: it claims tickets
// serially, so two sessions for the same project never overlap.
type Worker struct {
	deps    Deps
	project *store.Project
	logger  *slog.Logger
}

// New returns a Worker bound to project.
func New(deps Deps, project *store.Project) *Worker {
	return &Worker{
		deps:    deps,
		project: project,
		logger:  deps.Logger.With("component", "worker", "project", project.Code),
	}
}

// Run claims and processes tickets until the project has none left to
// do, or ctx is canceled. It returns once idle so the Scheduler can
// reap it and respawn later when new work arrives.
func (w *Worker) Run(ctx context.Context) {
	emptyPolls := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ticket, err := w.deps.Store.ClaimNextTicket(w.project.ID)
		if err != nil {
			w.logger.Error("claim next ticket", "error", err)
			if !store.IsTransient(err) {
				return
			}
			ticket = nil
		}

		if ticket == nil {
			emptyPolls++
			if emptyPolls > 1 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.deps.PollInterval):
			}
			continue
		}

		emptyPolls = 0
		w.processTicket(ctx, ticket)
	}
}

// processTicket drives ticket through as many agent sessions as the
// disposition matrix requires (a completed session with pending
// messages re-enters immediately) until it reaches a terminal or
// awaiting state.
func (w *Worker) processTicket(ctx context.Context, ticket *store.Ticket) {
	if _, err := w.deps.Backup.Create(ctx, w.project.ID, backup.TriggerAuto); err != nil {
		w.logger.Warn("auto backup failed", "ticket", ticket.TicketNumber, "error", err)
	}

	if err := w.deps.Store.MarkInProgress(ticket.ID); err != nil {
		w.logger.Error("mark in_progress", "ticket", ticket.TicketNumber, "error", err)
		return
	}
	ticket.Status = store.StatusInProgress
	w.publishStatus(ticket, store.StatusInProgress)

	for {
		again, err := w.runSession(ctx, ticket)
		if err != nil {
			w.logger.Error("session failed", "ticket", ticket.TicketNumber, "error", err)
			return
		}
		if !again {
			return
		}
	}
}

// runSession performs one agent invocation for ticket and applies the
// post-run disposition. It returns again=true when the ticket should
// immediately re-enter the build-prompt loop (pending messages arrived
// while the agent was, or had just finished, running).
func (w *Worker) runSession(ctx context.Context, ticket *store.Ticket) (again bool, err error) {
	if err := w.appendPendingMessages(ctx, ticket.ID); err != nil {
		return false, err
	}

	model := w.deps.AgentModel
	if ticket.ModelOverride != "" {
		model = ticket.ModelOverride
	} else if w.project.AgentModel != "" {
		model = w.project.AgentModel
	}

	sessionID := uuid.NewString()
	session := &store.ExecutionSession{
		ID:        sessionID,
		TicketID:  ticket.ID,
		Model:     model,
		Status:    store.SessionRunning,
		StartedAt: time.Now(),
	}
	if err := w.deps.Store.StartSession(session); err != nil {
		return false, fmt.Errorf("worker: start session: %w", err)
	}

	prompt, err := w.buildPrompt(ctx, ticket)
	if err != nil {
		_, _ = w.deps.Store.EndSession(sessionID, store.SessionFailed)
		return false, fmt.Errorf("worker: build prompt: %w", err)
	}

	workDir := w.workDir()
	env := w.agentEnv()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	consumer := agent.NewConsumer(w.deps.Store, w.deps.Bus, ticket.ID, sessionID)
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	handle := func(event agent.StreamEvent) error {
		lastActivity.Store(time.Now().UnixNano())
		return consumer.Handle(event)
	}
	onRaw := func(line string) {
		lastActivity.Store(time.Now().UnixNano())
		consumer.HandleRaw(line)
	}

	type runOutcome struct {
		run *agent.Run
		err error
	}
	runCh := make(chan runOutcome, 1)
	go func() {
		run, err := w.deps.Spawner.Spawn(sessionCtx, prompt, workDir, model, env, ticket.ID, sessionID, handle, onRaw)
		runCh <- runOutcome{run: run, err: err}
	}()

	poll := time.NewTicker(w.deps.PollInterval)
	defer poll.Stop()
	stuckCheck := time.NewTicker(1 * time.Second)
	defer stuckCheck.Stop()

	var (
		sawDone, sawSkip, sawStop, sawFreeText, sawStuck, sawDaemonStop bool
		out                                                             runOutcome
	)

runLoop:
	for {
		select {
		case out = <-runCh:
			break runLoop

		case <-ctx.Done():
			sawDaemonStop = true
			cancel()
			out = <-runCh
			break runLoop

		case <-stuckCheck.C:
			if time.Since(time.Unix(0, lastActivity.Load())) > w.deps.StuckTimeout {
				sawStuck = true
				cancel()
				out = <-runCh
				break runLoop
			}

		case <-poll.C:
			msgs, perr := w.deps.Store.ClaimPendingUserMessages(ctx, ticket.ID)
			if perr != nil {
				w.logger.Warn("poll user messages", "ticket", ticket.TicketNumber, "error", perr)
				continue
			}
			for _, m := range msgs {
				switch classifyCommand(m.Body) {
				case cmdDone:
					sawDone = true
				case cmdSkip:
					sawSkip = true
				case cmdStop:
					sawStop = true
				default:
					sawFreeText = true
					if err := w.deps.Store.AppendConversationMessage(&store.ConversationMessage{
						TicketID:   ticket.ID,
						SessionID:  &sessionID,
						Role:       store.RoleUser,
						Content:    m.Body,
						TokenCount: agent.EstimateTokens(m.Body),
					}); err != nil {
						w.logger.Warn("append interjected message", "ticket", ticket.TicketNumber, "error", err)
					}
				}
			}
			if sawDone || sawSkip || sawStop {
				cancel()
				out = <-runCh
				break runLoop
			}
		}
	}

	// Pick up anything that arrived after the final poll but before the
	// subprocess actually exited, so it counts toward "pending messages?"
	// in the disposition decision below.
	if tail, terr := w.deps.Store.ClaimPendingUserMessages(ctx, ticket.ID); terr == nil {
		for _, m := range tail {
			switch classifyCommand(m.Body) {
			case cmdDone, cmdSkip, cmdStop:
				// A command arriving after the agent already stopped has
				// no session left to act on; drop it, matching the
				// teacher's "commands only apply to a live run" contract.
			default:
				sawFreeText = true
				_ = w.deps.Store.AppendConversationMessage(&store.ConversationMessage{
					TicketID:   ticket.ID,
					SessionID:  &sessionID,
					Role:       store.RoleUser,
					Content:    m.Body,
					TokenCount: agent.EstimateTokens(m.Body),
				})
			}
		}
	}

	sessionStatus, ticketAction, reason := classifyOutcome(out.run, out.err, consumer.Completed, sawDone, sawSkip, sawStop, sawStuck, sawDaemonStop, sawFreeText)

	ended, endErr := w.deps.Store.EndSession(sessionID, sessionStatus)
	if endErr != nil {
		w.logger.Error("end session", "ticket", ticket.TicketNumber, "error", endErr)
	}
	if ended != nil {
		duration := int64(0)
		if ended.EndedAt != nil {
			duration = int64(ended.EndedAt.Sub(ended.StartedAt).Seconds())
		}
		if err := w.deps.Store.AddTicketUsage(ticket.ID, ended.TotalTokens(), duration); err != nil {
			w.logger.Warn("add ticket usage", "ticket", ticket.TicketNumber, "error", err)
		}
	}

	switch ticketAction {
	case actionContinue:
		return true, nil
	case actionAwaitingInput:
		if err := w.deps.Store.MarkAwaitingInput(ticket.ID); err != nil {
			return false, fmt.Errorf("worker: mark awaiting_input: %w", err)
		}
		w.publishStatus(ticket, store.StatusAwaitingInput)
		w.deps.Notifier.NotifyAwaitingInput(w.project, ticket)
		return false, nil
	case actionSkipped:
		if err := w.deps.Store.MarkSkipped(ticket.ID); err != nil {
			return false, fmt.Errorf("worker: mark skipped: %w", err)
		}
		w.publishStatus(ticket, store.StatusSkipped)
		return false, nil
	case actionStuck:
		if err := w.deps.Store.MarkStuck(ticket.ID, reason); err != nil {
			return false, fmt.Errorf("worker: mark stuck: %w", err)
		}
		w.publishStatus(ticket, store.StatusStuck)
		w.deps.Notifier.NotifyTicketStuck(w.project, ticket, reason)
		return false, nil
	case actionPending:
		if err := w.deps.Store.MarkPending(ticket.ID); err != nil {
			return false, fmt.Errorf("worker: mark pending: %w", err)
		}
		w.publishStatus(ticket, store.StatusPending)
		return false, nil
	case actionFailed:
		if err := w.deps.Store.MarkFailed(ticket.ID, reason); err != nil {
			return false, fmt.Errorf("worker: mark failed: %w", err)
		}
		w.publishStatus(ticket, store.StatusFailed)
		w.deps.Notifier.NotifyTicketFailed(w.project, ticket, reason)
		return false, nil
	default:
		return false, fmt.Errorf("worker: unhandled ticket action %v", ticketAction)
	}
}

// publishStatus broadcasts a ticket's new status on its own topic, per
// §4.B/§8's required status(...) events. A nil Bus (e.g. in tests that
// don't care about fan-out) is a silent no-op.
func (w *Worker) publishStatus(ticket *store.Ticket, status store.Status) {
	if w.deps.Bus == nil {
		return
	}
	w.deps.Bus.PublishJSON(bus.TicketTopic(ticket.ID), bus.EventTicketStatusChanged, map[string]any{
		"ticket_id":     ticket.ID,
		"ticket_number": ticket.TicketNumber,
		"status":        status,
	})
}

// ticketAction is the terminal (or continuing) effect a session outcome
// produces on the ticket, per the post-run disposition matrix.
type ticketAction int

const (
	actionContinue ticketAction = iota
	actionAwaitingInput
	actionSkipped
	actionStuck
	actionPending
	actionFailed
)

func classifyOutcome(run *agent.Run, spawnErr error, completedMarker, sawDone, sawSkip, sawStop, sawStuck, sawDaemonStop, pendingFreeText bool) (store.SessionStatus, ticketAction, string) {
	switch {
	case sawSkip:
		return store.SessionSkipped, actionSkipped, ""
	case sawStuck:
		return store.SessionStuck, actionStuck, "no activity for the stuck-timeout window"
	case sawDaemonStop:
		return store.SessionStopped, actionPending, ""
	case spawnErr != nil:
		return store.SessionFailed, actionFailed, truncateReason(spawnErr.Error())
	case run != nil && run.Err != nil:
		return store.SessionFailed, actionFailed, truncateReason(run.Err.Error())
	case sawDone || completedMarker:
		if pendingFreeText {
			return store.SessionCompleted, actionContinue, ""
		}
		return store.SessionCompleted, actionAwaitingInput, ""
	case sawStop:
		if pendingFreeText {
			return store.SessionStopped, actionContinue, ""
		}
		return store.SessionStopped, actionAwaitingInput, ""
	default:
		// Agent exited cleanly without an explicit completion marker.
		if pendingFreeText {
			return store.SessionCompleted, actionContinue, ""
		}
		return store.SessionCompleted, actionAwaitingInput, ""
	}
}

func truncateReason(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}

// appendPendingMessages folds any user messages queued before this
// session starts into the conversation, so they are visible to
// SmartHistory/BuildPreamble immediately rather than only mid-run.
func (w *Worker) appendPendingMessages(ctx context.Context, ticketID string) error {
	msgs, err := w.deps.Store.ClaimPendingUserMessages(ctx, ticketID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if classifyCommand(m.Body) != "" {
			continue
		}
		if err := w.deps.Store.AppendConversationMessage(&store.ConversationMessage{
			TicketID:   ticketID,
			Role:       store.RoleUser,
			Content:    m.Body,
			TokenCount: agent.EstimateTokens(m.Body),
		}); err != nil {
			return err
		}
	}
	return nil
}

func classifyCommand(body string) string {
	switch strings.ToLower(strings.TrimSpace(body)) {
	case cmdDone:
		return cmdDone
	case cmdSkip:
		return cmdSkip
	case cmdStop:
		return cmdStop
	default:
		return ""
	}
}

// globalContext reads the site-wide environment file, if configured,
// folded verbatim into every preamble's ENVIRONMENT section. A missing
// file is not an error: the section is simply omitted.
func (w *Worker) globalContext() string {
	if w.deps.GlobalContextPath == "" {
		return ""
	}
	data, err := os.ReadFile(w.deps.GlobalContextPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (w *Worker) workDir() string {
	if w.project.WebPath != "" {
		return w.project.WebPath
	}
	if w.project.AppPath != "" {
		return w.project.AppPath
	}
	return fallbackProjectRoot
}

func (w *Worker) agentEnv() []string {
	env := append([]string{}, w.deps.AgentEnv...)
	if w.project.HasDatabase() {
		env = append(env,
			"DB_HOST="+w.project.DBHost,
			"DB_NAME="+w.project.DBName,
			"DB_USER="+w.project.DBUser,
			"DB_PASSWORD="+w.project.DBPassword,
		)
	}
	return env
}

func (w *Worker) buildPrompt(ctx context.Context, ticket *store.Ticket) (string, error) {
	preamble, err := w.deps.ContextBuilder.BuildPreamble(ctx, w.project, ticket, w.globalContext())
	if err != nil {
		return "", err
	}
	history, err := w.deps.ContextBuilder.SmartHistory(ctx, w.project.ID, ticket.ID, ticket.TicketNumber)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return preamble, nil
	}

	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n=== CONVERSATION SO FAR ===\n")
	for _, m := range history {
		fmt.Fprintf(&b, "[%s]: %s\n", strings.ToUpper(string(m.Role)), m.Content)
	}
	return b.String(), nil
}
