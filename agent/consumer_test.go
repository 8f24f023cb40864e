package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kolobosdimitrios/conductor/bus"
	"github.com/kolobosdimitrios/conductor/store"
)

func newTestConsumer(t *testing.T) (*Consumer, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	proj := &store.Project{Name: "demo", Code: "DEMO"}
	if err := st.CreateProject(proj); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	ticket := &store.Ticket{ProjectID: proj.ID, Title: "fix login", Description: "..."}
	if err := st.CreateTicket(context.Background(), ticket); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	sess := &store.ExecutionSession{TicketID: ticket.ID, Model: "sonnet"}
	if err := st.StartSession(sess); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	b := bus.New()
	return NewConsumer(st, b, ticket.ID, sess.ID), st
}

func TestConsumerPersistsAssistantText(t *testing.T) {
	c, st := newTestConsumer(t)

	event := StreamEvent{
		Type:    "assistant",
		Message: []byte(`{"role":"assistant","content":[{"type":"text","text":"working on it"}],"usage":{"input_tokens":12,"output_tokens":4}}`),
	}
	if err := c.Handle(event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	msgs, err := st.ListConversationMessages(c.ticketID)
	if err != nil {
		t.Fatalf("ListConversationMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "working on it" {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Role != store.RoleAssistant {
		t.Fatalf("role = %v", msgs[0].Role)
	}

	sess, err := st.GetSession(c.sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.InputTokens != 12 || sess.OutputTokens != 4 {
		t.Fatalf("session usage = %+v", sess)
	}
}

func TestConsumerDetectsCompletionMarker(t *testing.T) {
	c, _ := newTestConsumer(t)

	event := StreamEvent{
		Type:    "assistant",
		Message: []byte(`{"role":"assistant","content":[{"type":"text","text":"TASK COMPLETED: login bug fixed"}]}`),
	}
	if err := c.Handle(event); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !c.Completed {
		t.Fatal("expected Completed to be set")
	}
}

func TestConsumerPersistsToolUse(t *testing.T) {
	c, st := newTestConsumer(t)

	event := StreamEvent{
		Type:    "assistant",
		Message: []byte(`{"role":"assistant","content":[{"type":"tool_use","name":"edit","input":{"path":"auth.go"}}]}`),
	}
	if err := c.Handle(event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	msgs, err := st.ListConversationMessages(c.ticketID)
	if err != nil {
		t.Fatalf("ListConversationMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != store.RoleToolUse {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].ToolName == nil || *msgs[0].ToolName != "edit" {
		t.Fatalf("tool name = %v", msgs[0].ToolName)
	}
}

func TestConsumerResultReplacesUsage(t *testing.T) {
	c, st := newTestConsumer(t)

	if err := c.Handle(StreamEvent{
		Type:   "result",
		Result: "final output",
		Usage:  &Usage{InputTokens: 100, OutputTokens: 50},
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	sess, err := st.GetSession(c.sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.InputTokens != 100 || sess.OutputTokens != 50 {
		t.Fatalf("session usage = %+v", sess)
	}

	msgs, err := st.ListConversationMessages(c.ticketID)
	if err != nil {
		t.Fatalf("ListConversationMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != store.RoleToolResult {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestConsumerPublishesTicketMessageEvent(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	proj := &store.Project{Name: "demo", Code: "DEMO"}
	if err := st.CreateProject(proj); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	ticket := &store.Ticket{ProjectID: proj.ID, Title: "fix login"}
	if err := st.CreateTicket(context.Background(), ticket); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	sess := &store.ExecutionSession{TicketID: ticket.ID, Model: "sonnet"}
	if err := st.StartSession(sess); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	b := bus.New()
	ch, unsubscribe := b.Subscribe(bus.TicketTopic(ticket.ID))
	defer unsubscribe()

	c := NewConsumer(st, b, ticket.ID, sess.ID)
	event := StreamEvent{
		Type:    "assistant",
		Message: []byte(`{"role":"assistant","content":[{"type":"text","text":"working on it"}]}`),
	}
	if err := c.Handle(event); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	select {
	case got := <-ch:
		if got.Type != bus.EventTicketMessage {
			t.Fatalf("event type = %v, want %v", got.Type, bus.EventTicketMessage)
		}
	default:
		t.Fatal("expected a ticket_message broadcast on the ticket's own topic")
	}
}

func TestConsumerErrorEventPersistsSystemMessage(t *testing.T) {
	c, st := newTestConsumer(t)

	if err := c.Handle(StreamEvent{Type: "error", Errors: []string{"rate limited"}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	msgs, err := st.ListConversationMessages(c.ticketID)
	if err != nil {
		t.Fatalf("ListConversationMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != store.RoleSystem || msgs[0].Content != "rate limited" {
		t.Fatalf("messages = %+v", msgs)
	}
}
