package notify

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolobosdimitrios/conductor/agent"
	"github.com/kolobosdimitrios/conductor/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.New(db)
}

func newTestChannel(t *testing.T, st *store.Store, invoker AgentInvoker) *Channel {
	t.Helper()
	return New(st, Config{}, invoker, "haiku", t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type recordingInvoker struct {
	calls  int
	answer string
}

func (r *recordingInvoker) Spawn(ctx context.Context, prompt, workDir, model string, env []string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error) {
	r.calls++
	if r.answer != "" {
		msg := []byte(`{"role":"assistant","content":[{"type":"text","text":"` + r.answer + `"}]}`)
		if err := handle(agent.StreamEvent{Type: "assistant", Message: msg}); err != nil {
			return nil, err
		}
	}
	return &agent.Run{}, nil
}

func TestLookupTicketFindsExactMatch(t *testing.T) {
	st := newTestStore(t)
	p := &store.Project{Name: "acme", Code: "ACME"}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "t"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))

	ch := newTestChannel(t, st, nil)
	found, err := ch.lookupTicket(tk.TicketNumber)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, tk.ID, found.ID)
}

func TestLookupTicketReturnsNilWhenNumberUnknown(t *testing.T) {
	st := newTestStore(t)
	p := &store.Project{Name: "acme", Code: "ACME"}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "t"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))

	ch := newTestChannel(t, st, nil)
	found, err := ch.lookupTicket("ACME-9999")
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestLookupTicketErrorsOnUnknownProjectCode(t *testing.T) {
	st := newTestStore(t)
	ch := newTestChannel(t, st, nil)
	_, err := ch.lookupTicket("GHOST-0001")
	require.Error(t, err)
}

func TestHandleUpdateEnqueuesFreeTextReply(t *testing.T) {
	st := newTestStore(t)
	p := &store.Project{Name: "acme", Code: "ACME"}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "t"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))

	ch := newTestChannel(t, st, nil)
	update := telegramUpdate{
		UpdateID: 1,
		Message: telegramIncoming{
			MessageID: 2,
			Text:      "please use tabs not spaces",
			ReplyToMessage: &telegramIncoming{
				Text: tk.TicketNumber + " \"fix login\" is awaiting your input",
			},
		},
	}

	ch.handleUpdate(context.Background(), update)

	claimed, err := st.ClaimPendingUserMessages(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "please use tabs not spaces", claimed[0].Body)
	require.Equal(t, store.MessageTypeMessage, claimed[0].MessageType)
}

func TestHandleUpdateRoutesQuestionToAuxiliaryModelWithoutEnqueuing(t *testing.T) {
	st := newTestStore(t)
	p := &store.Project{Name: "acme", Code: "ACME"}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "t"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))

	invoker := &recordingInvoker{answer: "still working on it"}
	ch := newTestChannel(t, st, invoker)
	update := telegramUpdate{
		UpdateID: 1,
		Message: telegramIncoming{
			MessageID: 2,
			Text:      "is this done yet?",
			ReplyToMessage: &telegramIncoming{
				Text: tk.TicketNumber + " update",
			},
		},
	}

	ch.handleUpdate(context.Background(), update)

	require.Equal(t, 1, invoker.calls)
	claimed, err := st.ClaimPendingUserMessages(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Empty(t, claimed, "a question must never be queued as a ticket instruction")
}

func TestHandleUpdateIgnoresReplyWithoutTicketReference(t *testing.T) {
	st := newTestStore(t)
	p := &store.Project{Name: "acme", Code: "ACME"}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "t"}
	require.NoError(t, st.CreateTicket(context.Background(), tk))

	invoker := &recordingInvoker{}
	ch := newTestChannel(t, st, invoker)
	update := telegramUpdate{
		UpdateID: 1,
		Message: telegramIncoming{
			MessageID: 2,
			Text:      "hello there",
			ReplyToMessage: &telegramIncoming{
				Text: "just a regular message with no ticket number",
			},
		},
	}

	ch.handleUpdate(context.Background(), update)

	require.Equal(t, 0, invoker.calls)
	claimed, err := st.ClaimPendingUserMessages(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestHandleUpdateIgnoresFreshMessageWithNoParent(t *testing.T) {
	st := newTestStore(t)
	ch := newTestChannel(t, st, nil)
	update := telegramUpdate{
		UpdateID: 1,
		Message:  telegramIncoming{MessageID: 2, Text: "hello"},
	}

	require.NotPanics(t, func() { ch.handleUpdate(context.Background(), update) })
}

func TestOutboundNotifyMethodsAreGatedByConfig(t *testing.T) {
	st := newTestStore(t)
	p := &store.Project{Name: "acme", Code: "ACME"}
	require.NoError(t, st.CreateProject(p))
	tk := &store.Ticket{ProjectID: p.ID, Title: "t", TicketNumber: "ACME-0001"}

	ch := New(st, Config{}, nil, "haiku", t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NotPanics(t, func() {
		ch.NotifyTicketCompleted(p, tk)
		ch.NotifyAwaitingInput(p, tk)
		ch.NotifyTicketFailed(p, tk, "boom")
		ch.NotifyTicketStuck(p, tk, "looping")
	}, "every outbound kind defaults to disabled and must be a safe no-op without telegram/smtp configured")
}
