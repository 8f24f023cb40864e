package worker

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
	"github.com/kolobosdimitrios/conductor/store"
)

// scriptedSpawner emits a fixed assistant text segment (optionally
// carrying the completion marker) and returns, without ever touching a
// real subprocess.
type scriptedSpawner struct {
	text string
	err  error
}

func (s *scriptedSpawner) Spawn(ctx context.Context, prompt, workDir, model string, env []string, ticketID, sessionID string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error) {
	if s.err != nil {
		return nil, s.err
	}
	msg := fmt.Sprintf(`{"role":"assistant","content":[{"type":"text","text":%q}],"usage":{"input_tokens":10,"output_tokens":5}}`, s.text)
	if err := handle(agent.StreamEvent{Type: "assistant", Message: []byte(msg)}); err != nil {
		return nil, err
	}
	if err := handle(agent.StreamEvent{Type: "result", Result: "ok"}); err != nil {
		return nil, err
	}
	return &agent.Run{}, nil
}

type fakeInvoker struct{}

func (fakeInvoker) Spawn(ctx context.Context, prompt, workDir, model string, env []string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error) {
	return &agent.Run{}, nil
}

type recordingNotifier struct {
	awaitingInput int
	failed        int
	stuck         int
}

func (r *recordingNotifier) NotifyAwaitingInput(project *store.Project, ticket *store.Ticket) {
	r.awaitingInput++
}
func (r *recordingNotifier) NotifyTicketFailed(project *store.Project, ticket *store.Ticket, reason string) {
	r.failed++
}
func (r *recordingNotifier) NotifyTicketStuck(project *store.Project, ticket *store.Ticket, reason string) {
	r.stuck++
}

func newTestDeps(t *testing.T, spawner AgentSpawner, notifier Notifier) (Deps, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	summarizer := conductorcontext.NewSummarizer(fakeInvoker{}, "haiku", t.TempDir())
	builder, err := conductorcontext.NewBuilder(st, summarizer, conductorcontext.Thresholds{
		ExtractionThreshold: 50_000,
		RecentTokensBudget:  50_000,
		MaxSingleMessage:    10_000,
		MaxTotalTokens:      100_000,
		ProjectMapExpiry:    7 * 24 * time.Hour,
	}, conductorcontext.Preferences{})
	require.NoError(t, err)

	return Deps{
		Store:          st,
		Bus:            bus.New(),
		ContextBuilder: builder,
		Backup:         backup.New(st, t.TempDir(), 5),
		Spawner:        spawner,
		Notifier:       notifier,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollInterval:   10 * time.Millisecond,
		StuckTimeout:   time.Hour,
		AgentModel:     "sonnet",
	}, st
}

func TestWorkerHappyPathMarksAwaitingInput(t *testing.T) {
	deps, st := newTestDeps(t, &scriptedSpawner{text: "done. TASK COMPLETED"}, &recordingNotifier{})

	p := &store.Project{Name: "web", Code: "WEB", WebPath: t.TempDir()}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "fix login", Priority: store.PriorityMedium}
	require.NoError(t, st.CreateTicket(context.Background(), tk))

	w := New(deps, p)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Run(ctx)

	reloaded, err := st.GetTicket(tk.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusAwaitingInput, reloaded.Status)
	require.NotNil(t, reloaded.ReviewDeadline)

	notifier := deps.Notifier.(*recordingNotifier)
	require.Equal(t, 1, notifier.awaitingInput)

	messages, err := st.ListConversationMessages(tk.ID)
	require.NoError(t, err)
	require.NotEmpty(t, messages)
}

func TestWorkerNoCompletionMarkerStillAwaitsInput(t *testing.T) {
	deps, st := newTestDeps(t, &scriptedSpawner{text: "did some work, exiting cleanly"}, &recordingNotifier{})

	p := &store.Project{Name: "api", Code: "API", AppPath: t.TempDir()}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "ticket"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))

	w := New(deps, p)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Run(ctx)

	reloaded, err := st.GetTicket(tk.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusAwaitingInput, reloaded.Status)
}

func TestWorkerSpawnErrorMarksFailed(t *testing.T) {
	deps, st := newTestDeps(t, &scriptedSpawner{err: fmt.Errorf("boom")}, &recordingNotifier{})

	p := &store.Project{Name: "db", Code: "DB", WebPath: t.TempDir()}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "ticket"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))

	w := New(deps, p)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Run(ctx)

	reloaded, err := st.GetTicket(tk.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, reloaded.Status)

	notifier := deps.Notifier.(*recordingNotifier)
	require.Equal(t, 1, notifier.failed)
}

func TestWorkerBroadcastsStatusTransitions(t *testing.T) {
	deps, st := newTestDeps(t, &scriptedSpawner{text: "done. TASK COMPLETED"}, &recordingNotifier{})

	p := &store.Project{Name: "web", Code: "WEB", WebPath: t.TempDir()}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "fix login"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))

	ch, unsubscribe := deps.Bus.Subscribe(bus.TicketTopic(tk.ID))
	defer unsubscribe()

	w := New(deps, p)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Run(ctx)

	var types []bus.EventType
	for {
		select {
		case event := <-ch:
			types = append(types, event.Type)
		default:
			goto done
		}
	}
done:
	require.Contains(t, types, bus.EventTicketStatusChanged)
	require.GreaterOrEqual(t, len(types), 2, "expected both the in_progress and awaiting_input broadcasts")
}

func TestWorkerClaimsHighestPriorityFirst(t *testing.T) {
	deps, st := newTestDeps(t, &scriptedSpawner{text: "TASK COMPLETED"}, &recordingNotifier{})

	p := &store.Project{Name: "pri", Code: "PRI", WebPath: t.TempDir()}
	require.NoError(t, st.CreateProject(p))
	low := &store.Ticket{ProjectID: p.ID, Title: "low", Priority: store.PriorityLow}
	require.NoError(t, st.CreateTicket(context.Background(), low))
	critical := &store.Ticket{ProjectID: p.ID, Title: "critical", Priority: store.PriorityCritical}
	require.NoError(t, st.CreateTicket(context.Background(), critical))

	w := New(deps, p)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Run(ctx)

	reloadedCritical, err := st.GetTicket(critical.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusAwaitingInput, reloadedCritical.Status, "critical ticket must be drained by the worker's single pass")
}
