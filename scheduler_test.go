package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kolobosdimitrios/conductor/agent"
	"github.com/kolobosdimitrios/conductor/backup"
	"github.com/kolobosdimitrios/conductor/bus"
	conductorcontext "github.com/kolobosdimitrios/conductor/context"
	"github.com/kolobosdimitrios/conductor/notify"
	"github.com/kolobosdimitrios/conductor/store"
)

type completingSpawner struct{}

func (completingSpawner) Spawn(ctx context.Context, prompt, workDir, model string, env []string, ticketID, sessionID string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error) {
	msg := fmt.Sprintf(`{"role":"assistant","content":[{"type":"text","text":%q}]}`, "all done. TASK COMPLETED")
	if err := handle(agent.StreamEvent{Type: "assistant", Message: []byte(msg)}); err != nil {
		return nil, err
	}
	return &agent.Run{}, nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	summarizer := conductorcontext.NewSummarizer(noopInvoker{}, "haiku", t.TempDir())
	builder, err := conductorcontext.NewBuilder(st, summarizer, conductorcontext.Thresholds{
		ExtractionThreshold: 50_000,
		RecentTokensBudget:  50_000,
		MaxSingleMessage:    10_000,
		MaxTotalTokens:      100_000,
		ProjectMapExpiry:    7 * 24 * time.Hour,
	}, conductorcontext.Preferences{})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ch := notify.New(st, notify.Config{}, noopInvoker{}, "haiku", t.TempDir(), logger)

	s := New(Deps{
		Store:               st,
		Bus:                 bus.New(),
		ContextBuilder:      builder,
		Backup:              backup.New(st, t.TempDir(), 5),
		Spawner:             completingSpawner{},
		Notifier:            ch,
		Logger:              logger,
		PollInterval:        10 * time.Millisecond,
		MaxParallelProjects: 2,
		StuckTimeout:        time.Hour,
		AgentModel:          "sonnet",
	})
	return s, st
}

type noopInvoker struct{}

func (noopInvoker) Spawn(ctx context.Context, prompt, workDir, model string, env []string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error) {
	return &agent.Run{}, nil
}

func TestSchedulerDrainsTicketAcrossTicks(t *testing.T) {
	s, st := newTestScheduler(t)

	p := &store.Project{Name: "web", Code: "WEB", WebPath: t.TempDir()}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "fix login"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		reloaded, err := st.GetTicket(tk.ID)
		return err == nil && reloaded.Status == store.StatusAwaitingInput
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// blockingSpawner never returns on its own; it only exits once ctx is
// canceled, so a test can observe a worker mid-session.
type blockingSpawner struct{}

func (blockingSpawner) Spawn(ctx context.Context, prompt, workDir, model string, env []string, ticketID, sessionID string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error) {
	<-ctx.Done()
	return &agent.Run{}, ctx.Err()
}

func TestSchedulerCapsParallelism(t *testing.T) {
	s, st := newTestScheduler(t)
	s.deps.MaxParallelProjects = 1
	s.deps.Spawner = blockingSpawner{}

	for i := 0; i < 3; i++ {
		p := &store.Project{Name: fmt.Sprintf("p%d", i), Code: fmt.Sprintf("PRJ%d", i), WebPath: t.TempDir()}
		require.NoError(t, st.CreateProject(p))
		tk := &store.Ticket{ProjectID: p.ID, Title: "ticket"}
		require.NoError(t, st.CreateTicket(context.Background(), tk))
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s.tick(ctx)
	require.Eventually(t, func() bool { return s.LiveProjectCount() == 1 }, time.Second, 5*time.Millisecond)

	s.tick(ctx)
	require.Equal(t, 1, s.LiveProjectCount(), "a second tick must not exceed the parallelism cap while the first worker is still live")
}

func TestSchedulerAutoCloseIsNoOpWithNothingOverdue(t *testing.T) {
	s, st := newTestScheduler(t)

	p := &store.Project{Name: "over", Code: "OVR", WebPath: t.TempDir()}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "ticket"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))
	require.NoError(t, st.MarkAwaitingInput(tk.ID))

	s.autoCloseOverdue()

	reloaded, err := st.GetTicket(tk.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusAwaitingInput, reloaded.Status, "a review_deadline 7 days out must not be auto-closed yet")
}

func TestSchedulerRecoveryResetsInProgressAndRunningSessions(t *testing.T) {
	s, st := newTestScheduler(t)

	p := &store.Project{Name: "crash", Code: "CRASH", WebPath: t.TempDir()}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "ticket"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))
	require.NoError(t, st.MarkInProgress(tk.ID))
	sess := &store.ExecutionSession{TicketID: tk.ID, Model: "sonnet"}
	require.NoError(t, st.StartSession(sess))

	require.NoError(t, s.recover())

	reloaded, err := st.GetTicket(tk.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusOpen, reloaded.Status)

	reloadedSession, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	require.Equal(t, store.SessionStuck, reloadedSession.Status)
}
