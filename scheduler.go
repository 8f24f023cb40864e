// Package conductor implements the top-level Scheduler daemon loop: the
// piece that discovers eligible projects, caps parallelism, spawns and
// reaps ProjectWorkers, and runs the crash-recovery pass described in
// the orchestrator's §4.I. The package is named for the module rather
// than the teacher's "factory", since this daemon coordinates many
// concurrent projects instead of a single repository.
package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/kolobosdimitrios/conductor/backup"
	"github.com/kolobosdimitrios/conductor/bus"
	conductorcontext "github.com/kolobosdimitrios/conductor/context"
	"github.com/kolobosdimitrios/conductor/metrics"
	"github.com/kolobosdimitrios/conductor/notify"
	"github.com/kolobosdimitrios/conductor/store"
	"github.com/kolobosdimitrios/conductor/watchdog"
	"github.com/kolobosdimitrios/conductor/worker"
)

// recentlyFailedWindow bounds how far back a failed ticket is eligible
// for the startup recovery pass's "failed updated within the last hour"
// reopen rule.
const recentlyFailedWindow = 1 * time.Hour

// recoveryRetries bounds the bounded-retry recovery pass per §4.I/§7.
const recoveryRetries = 5

// recoveryBackoff is the fixed backoff between recovery attempts.
const recoveryBackoff = 2 * time.Second

// Notifier is the narrow capability the Scheduler needs for the
// lifecycle events it alone observes (auto-close on review deadline).
// ProjectWorker and Watchdog each get their own narrower view of the
// same *notify.Channel.
type Notifier interface {
	NotifyTicketCompleted(project *store.Project, ticket *store.Ticket)
}

// Deps bundles every collaborator the Scheduler wires into the
// ProjectWorkers it spawns. It is the single place that owns all of
// these components, so that workers and the watchdog only ever see the
// narrow capability interfaces they declare, never the Scheduler
// itself (per §9's cyclic-reference guidance).
type Deps struct {
	Store          *store.Store
	Bus            *bus.Bus
	ContextBuilder *conductorcontext.Builder
	Backup         *backup.Service
	Spawner        worker.AgentSpawner
	Notifier       *notify.Channel
	Metrics        *metrics.Metrics
	Logger         *slog.Logger

	PollInterval        time.Duration
	MaxParallelProjects int
	StuckTimeout        time.Duration
	AgentModel          string
	AgentEnv            []string
	GlobalContextPath   string

	PIDFile string
}

// Scheduler is the daemon's single control thread: it runs recovery, the
// orphan sweep and review auto-close against the Store itself, and
// leaves agent subprocesses to the ProjectWorkers it starts.
type Scheduler struct {
	deps Deps

	mu           sync.Mutex
	liveWorkers  map[string]context.CancelFunc
	liveProjects map[string]*store.Project
	wg           sync.WaitGroup

	logger *slog.Logger
}

// New returns a Scheduler ready to Run.
func New(deps Deps) *Scheduler {
	return &Scheduler{
		deps:         deps,
		liveWorkers:  make(map[string]context.CancelFunc),
		liveProjects: make(map[string]*store.Project),
		logger:       deps.Logger.With("component", "scheduler"),
	}
}

// Run executes the scheduler's main loop until ctx is canceled. It
// writes the PID file on entry, performs the startup recovery pass, and
// removes the PID file on exit regardless of how Run stops.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.writePIDFile(); err != nil {
		return fmt.Errorf("scheduler: writing pid file: %w", err)
	}
	defer s.removePIDFile()

	if err := s.recover(); err != nil {
		return fmt.Errorf("scheduler: startup recovery: %w", err)
	}

	ticker := time.NewTicker(s.deps.PollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "poll_interval", s.deps.PollInterval, "max_parallel_projects", s.deps.MaxParallelProjects)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, waiting for live workers")
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scheduler iteration: reap, reconcile orphans, auto-close
// overdue reviews, then spawn workers for eligible projects up to the
// parallelism cap.
func (s *Scheduler) tick(ctx context.Context) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.CyclesRun.Inc()
	}

	s.reapFinished()

	if n, err := s.deps.Store.ResetOrphanTickets(s.liveProjectIDs()); err != nil {
		s.logger.Error("reset orphan tickets", "error", err)
	} else if n > 0 {
		s.logger.Info("reset orphan in_progress tickets", "count", n)
	}

	s.autoCloseOverdue()

	projects, err := s.deps.Store.ListActiveProjectsWithWork()
	if err != nil {
		s.logger.Error("list active projects with work", "error", err)
		return
	}

	s.mu.Lock()
	active := len(s.liveWorkers)
	s.mu.Unlock()

	for i := range projects {
		if active >= s.deps.MaxParallelProjects {
			break
		}
		p := &projects[i]
		s.mu.Lock()
		_, live := s.liveWorkers[p.ID]
		s.mu.Unlock()
		if live {
			continue
		}
		s.spawnWorker(ctx, p)
		active++
	}
}

// autoCloseOverdue transitions every awaiting_input ticket whose review
// deadline has passed to done(auto_closed_7days), per §4.F/§4.I step 3.
func (s *Scheduler) autoCloseOverdue() {
	overdue, err := s.deps.Store.ListOverdueAwaitingInput(time.Now())
	if err != nil {
		s.logger.Error("list overdue awaiting_input tickets", "error", err)
		return
	}
	for i := range overdue {
		t := &overdue[i]
		if err := s.deps.Store.MarkDone(t.ID, "auto_closed_7days"); err != nil {
			s.logger.Error("auto-close overdue ticket", "ticket", t.TicketNumber, "error", err)
			continue
		}
		s.logger.Info("auto-closed overdue ticket", "ticket", t.TicketNumber, "reason", "auto_closed_7days")
		if project, perr := s.deps.Store.GetProject(t.ProjectID); perr == nil && s.deps.Notifier != nil {
			s.deps.Notifier.NotifyTicketCompleted(project, t)
		}
	}
}

// spawnWorker starts a ProjectWorker for project in its own goroutine,
// tracked so finishWorker can clean it up once Run returns.
func (s *Scheduler) spawnWorker(ctx context.Context, project *store.Project) {
	workerCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.liveWorkers[project.ID] = cancel
	s.liveProjects[project.ID] = project
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveWorkers.Set(float64(len(s.liveWorkers)))
	}

	w := worker.New(worker.Deps{
		Store:          s.deps.Store,
		Bus:            s.deps.Bus,
		ContextBuilder: s.deps.ContextBuilder,
		Backup:         s.deps.Backup,
		Spawner:        s.deps.Spawner,
		Notifier:       s.deps.Notifier,
		Logger:         s.logger,
		PollInterval:   s.deps.PollInterval,
		StuckTimeout:   s.deps.StuckTimeout,
		AgentModel:        s.deps.AgentModel,
		AgentEnv:          s.deps.AgentEnv,
		GlobalContextPath: s.deps.GlobalContextPath,
	}, project)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishWorker(project.ID)
		s.logger.Info("worker started", "project", project.Code)
		w.Run(workerCtx)
		s.logger.Info("worker idle, exiting", "project", project.Code)
	}()
}

// finishWorker removes project from the live-worker map once its
// goroutine returns; the next tick may respawn it if work remains.
func (s *Scheduler) finishWorker(projectID string) {
	s.mu.Lock()
	if cancel, ok := s.liveWorkers[projectID]; ok {
		cancel()
	}
	delete(s.liveWorkers, projectID)
	delete(s.liveProjects, projectID)
	count := len(s.liveWorkers)
	s.mu.Unlock()
	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveWorkers.Set(float64(count))
	}
}

// reapFinished is a no-op pass today since finishWorker already removes
// completed entries as they exit; it exists as the named step §4.I
// describes so future additions (e.g. a dead-worker heartbeat check)
// have an obvious home.
func (s *Scheduler) reapFinished() {}

// LiveProjectCount reports how many ProjectWorkers are currently
// running; only the tests call it.
func (s *Scheduler) LiveProjectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.liveWorkers)
}

// liveProjectIDs snapshots the projects with a currently-running
// worker, so the orphan sweep never resets a ticket out from under an
// active session.
func (s *Scheduler) liveProjectIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.liveProjects))
	for id := range s.liveProjects {
		ids = append(ids, id)
	}
	return ids
}

// ForceRecover runs a single recovery pass on demand, outside the normal
// Run loop — used by the CLI's "recover" subcommand.
func (s *Scheduler) ForceRecover() error {
	return s.recover()
}

// recover runs the startup recovery pass from §4.I: every in_progress
// ticket goes back to open, every failed ticket touched in the last
// hour goes back to open, and every running session is marked stuck.
// The whole pass retries on Transient store errors up to
// recoveryRetries times, recoveryBackoff apart.
func (s *Scheduler) recover() error {
	var lastErr error
	for attempt := 0; attempt < recoveryRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(recoveryBackoff)
		}
		lastErr = s.recoverOnce()
		if lastErr == nil {
			return nil
		}
		if !store.IsTransient(lastErr) {
			return lastErr
		}
		s.logger.Warn("recovery attempt failed, retrying", "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (s *Scheduler) recoverOnce() error {
	inProgress, err := s.deps.Store.ListTicketsByStatus(store.StatusInProgress)
	if err != nil {
		return err
	}
	for i := range inProgress {
		if err := s.deps.Store.ReopenTicket(inProgress[i].ID); err != nil {
			return err
		}
	}
	if len(inProgress) > 0 {
		s.logger.Info("recovery: reopened in_progress tickets", "count", len(inProgress))
	}

	recentlyFailed, err := s.deps.Store.ListRecentlyFailed(time.Now().Add(-recentlyFailedWindow))
	if err != nil {
		return err
	}
	for i := range recentlyFailed {
		if err := s.deps.Store.ReopenTicket(recentlyFailed[i].ID); err != nil {
			return err
		}
	}
	if len(recentlyFailed) > 0 {
		s.logger.Info("recovery: reopened recently failed tickets", "count", len(recentlyFailed))
	}

	stuckSessions, err := s.deps.Store.MarkAllRunningSessionsStuck()
	if err != nil {
		return err
	}
	if stuckSessions > 0 {
		s.logger.Info("recovery: marked running sessions stuck", "count", stuckSessions)
	}
	return nil
}

// writePIDFile records the current process id at deps.PIDFile, if set.
func (s *Scheduler) writePIDFile() error {
	if s.deps.PIDFile == "" {
		return nil
	}
	return os.WriteFile(s.deps.PIDFile, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// removePIDFile deletes the PID file on clean shutdown. Its absence is
// not itself proof the daemon is stopped (per §5); callers that need
// liveness must still probe the recorded pid with signal 0.
func (s *Scheduler) removePIDFile() {
	if s.deps.PIDFile == "" {
		return
	}
	if err := os.Remove(s.deps.PIDFile); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing pid file", "error", err)
	}
}

// RunWatchdog starts the Watchdog's periodic productivity cycle and
// blocks until ctx is canceled. Intended to be run in its own goroutine
// alongside Run.
func RunWatchdog(ctx context.Context, wd *watchdog.Watchdog) {
	wd.Run(ctx)
}

// RunNotificationChannel starts the NotificationChannel's inbound
// long-poll loop and blocks until ctx is canceled. Intended to be run
// in its own goroutine alongside Run.
func RunNotificationChannel(ctx context.Context, ch *notify.Channel) {
	ch.Run(ctx)
}
