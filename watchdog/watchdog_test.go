package watchdog

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
	"github.com/kolobosdimitrios/conductor/bus"
	"github.com/kolobosdimitrios/conductor/store"
)

type scriptedInvoker struct{ verdict string }

func (s scriptedInvoker) Spawn(ctx context.Context, prompt, workDir, model string, env []string, ticketID, sessionID string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error) {
	msg := fmt.Sprintf(`{"role":"assistant","content":[{"type":"text","text":%q}]}`, s.verdict)
	if err := handle(agent.StreamEvent{Type: "assistant", Message: []byte(msg)}); err != nil {
		return nil, err
	}
	return &agent.Run{}, nil
}

type recordingNotifier struct{ alerts int }

func (r *recordingNotifier) NotifyWatchdogAlert(project *store.Project, ticket *store.Ticket, reason string) {
	r.alerts++
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.New(db)
}

func seedInProgressTicket(t *testing.T, st *store.Store, messageCount int) *store.Ticket {
	t.Helper()
	p := &store.Project{Name: "demo", Code: "DEMO"}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "ticket"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))
	require.NoError(t, st.MarkInProgress(tk.ID))
	for i := 0; i < messageCount; i++ {
		require.NoError(t, st.AppendConversationMessage(&store.ConversationMessage{
			TicketID: tk.ID, Role: store.RoleAssistant, Content: "working", TokenCount: 5,
		}))
	}
	return tk
}

func TestWatchdogMarksStuckOnVerdict(t *testing.T) {
	st := newTestStore(t)
	tk := seedInProgressTicket(t, st, 15)
	notifier := &recordingNotifier{}
	wd := New(st, bus.New(), scriptedInvoker{verdict: "STUCK: repeated identical edit"}, notifier,
		slog.New(slog.NewTextHandler(io.Discard, nil)), "haiku", t.TempDir(), time.Hour)

	wd.auditCycle(context.Background())

	reloaded, err := st.GetTicket(tk.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusStuck, reloaded.Status)
	require.Equal(t, "repeated identical edit", reloaded.StuckReason)
	require.Equal(t, 1, notifier.alerts)

	messages, err := st.ListConversationMessages(tk.ID)
	require.NoError(t, err)
	require.Equal(t, store.RoleSystem, messages[len(messages)-1].Role)
}

func TestWatchdogBroadcastsStuckVerdict(t *testing.T) {
	st := newTestStore(t)
	tk := seedInProgressTicket(t, st, 15)
	b := bus.New()
	stuckCh, unsubscribe := b.Subscribe(bus.TopicTicketStuck)
	defer unsubscribe()
	ticketCh, unsubTicket := b.Subscribe(bus.TicketTopic(tk.ID))
	defer unsubTicket()

	wd := New(st, b, scriptedInvoker{verdict: "STUCK: repeated identical edit"}, &recordingNotifier{},
		slog.New(slog.NewTextHandler(io.Discard, nil)), "haiku", t.TempDir(), time.Hour)

	wd.auditCycle(context.Background())

	select {
	case event := <-stuckCh:
		require.Equal(t, bus.EventTicketStuck, event.Type)
	default:
		t.Fatal("expected a ticket_stuck broadcast on the global topic")
	}
	select {
	case event := <-ticketCh:
		require.Equal(t, bus.EventTicketStuck, event.Type)
	default:
		t.Fatal("expected a ticket_stuck broadcast on the ticket's own topic")
	}
}

func TestWatchdogSkipsTicketsBelowMessageThreshold(t *testing.T) {
	st := newTestStore(t)
	tk := seedInProgressTicket(t, st, 3)
	notifier := &recordingNotifier{}
	wd := New(st, bus.New(), scriptedInvoker{verdict: "STUCK: anything"}, notifier,
		slog.New(slog.NewTextHandler(io.Discard, nil)), "haiku", t.TempDir(), time.Hour)

	wd.auditCycle(context.Background())

	reloaded, err := st.GetTicket(tk.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusInProgress, reloaded.Status, "fewer than 10 messages is too young to judge")
	require.Equal(t, 0, notifier.alerts)
}

func TestWatchdogContinueVerdictLeavesTicketAlone(t *testing.T) {
	st := newTestStore(t)
	tk := seedInProgressTicket(t, st, 15)
	notifier := &recordingNotifier{}
	wd := New(st, bus.New(), scriptedInvoker{verdict: "CONTINUE"}, notifier,
		slog.New(slog.NewTextHandler(io.Discard, nil)), "haiku", t.TempDir(), time.Hour)

	wd.auditCycle(context.Background())

	reloaded, err := st.GetTicket(tk.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusInProgress, reloaded.Status)
}

func TestParseVerdict(t *testing.T) {
	stuck, reason := parseVerdict("STUCK: looping on the same test failure")
	require.True(t, stuck)
	require.Equal(t, "looping on the same test failure", reason)

	stuck, _ = parseVerdict("CONTINUE")
	require.False(t, stuck)
}
