package context

import (
	"context"
	"fmt"
	"testing"

	"github.com/kolobosdimitrios/conductor/agent"
	"github.com/kolobosdimitrios/conductor/store"
)

type fakeInvoker struct {
	response string
	err      error
}

func (f *fakeInvoker) Spawn(ctx context.Context, prompt, workDir, model string, env []string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	msg := fmt.Sprintf(`{"role":"assistant","content":[{"type":"text","text":%q}]}`, f.response)
	if err := handle(agent.StreamEvent{Type: "assistant", Message: []byte(msg)}); err != nil {
		return nil, err
	}
	return &agent.Run{}, nil
}

func sampleMessages() []store.ConversationMessage {
	return []store.ConversationMessage{
		{ID: "m1", Role: store.RoleUser, Content: "please fix the login bug in auth.go"},
		{ID: "m2", Role: store.RoleAssistant, Content: "fixed by validating the token expiry"},
	}
}

func TestSummarizeUsesModelJSON(t *testing.T) {
	invoker := &fakeInvoker{response: "```json\n" + `{"decisions":["use JWT"],"problems_solved":["login bug: fixed expiry check"],"current_status":"done","important_notes":["always validate tokens"]}` + "\n```"}
	s := NewSummarizer(invoker, "haiku", t.TempDir())

	extraction := s.Summarize(context.Background(), "t-1", sampleMessages())

	if len(extraction.Decisions) != 1 || extraction.Decisions[0] != "use JWT" {
		t.Fatalf("decisions = %v", extraction.Decisions)
	}
	if len(extraction.ImportantNotes) != 1 {
		t.Fatalf("important notes = %v", extraction.ImportantNotes)
	}
	if extraction.CoversMsgFromID != "m1" || extraction.CoversMsgToID != "m2" {
		t.Fatalf("coverage = %s..%s", extraction.CoversMsgFromID, extraction.CoversMsgToID)
	}
}

func TestSummarizeFallsBackOnInvalidJSON(t *testing.T) {
	invoker := &fakeInvoker{response: "not json at all"}
	s := NewSummarizer(invoker, "haiku", t.TempDir())

	extraction := s.Summarize(context.Background(), "t-1", sampleMessages())

	if extraction.CurrentStatus == "" {
		t.Fatal("expected a structural fallback status")
	}
	if len(extraction.Decisions) != 0 {
		t.Fatalf("expected no decisions from fallback, got %v", extraction.Decisions)
	}
}

func TestSummarizeFallsBackOnInvokerError(t *testing.T) {
	invoker := &fakeInvoker{err: fmt.Errorf("boom")}
	s := NewSummarizer(invoker, "haiku", t.TempDir())

	extraction := s.Summarize(context.Background(), "t-1", sampleMessages())
	if extraction.CurrentStatus == "" {
		t.Fatal("expected a structural fallback status")
	}
}

func TestExtractJSONFromFencedBlock(t *testing.T) {
	raw, ok := extractJSON("here you go\n```json\n{\"a\":1}\n```\nthanks")
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if string(raw) != `{"a":1}` {
		t.Fatalf("raw = %s", raw)
	}
}

func TestExtractJSONFromRawObject(t *testing.T) {
	raw, ok := extractJSON(`prefix {"status":"ok"} suffix`)
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if string(raw) != `{"status":"ok"}` {
		t.Fatalf("raw = %s", raw)
	}
}
