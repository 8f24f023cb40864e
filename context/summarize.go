package context

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kolobosdimitrios/conductor/agent"
	"github.com/kolobosdimitrios/conductor/store"
)

// AgentInvoker is the narrow subset of *agent.Spawner the summarizer
// needs: a single non-interactive invocation whose assistant text is
// collected by the caller.
type AgentInvoker interface {
	Spawn(ctx context.Context, prompt, workDir, model string, env []string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error)
}

// summarizeTimeout bounds the auxiliary-model call; a slow or hung
// summarizer must not stall the worker that is waiting on it.
const summarizeTimeout = 30 * time.Second

var jsonFencePattern = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")
var rawJSONObjectPattern = regexp.MustCompile(`\{[\s\S]*\}`)

type extractionPayload struct {
	Decisions      []string `json:"decisions"`
	ProblemsSolved []string `json:"problems_solved"`
	CurrentStatus  string   `json:"current_status"`
	KeyInfo        string   `json:"key_info"`
	ImportantNotes []string `json:"important_notes"`
}

// extractJSON pulls a JSON object out of model output, preferring a
// fenced ```json block and falling back to the first brace-delimited
// object in the text, the same two-pass idiom the teacher's sign-off
// report parser uses.
func extractJSON(output string) ([]byte, bool) {
	for _, match := range jsonFencePattern.FindAllStringSubmatch(output, -1) {
		candidate := strings.TrimSpace(match[1])
		if json.Valid([]byte(candidate)) {
			return []byte(candidate), true
		}
	}
	if match := rawJSONObjectPattern.FindString(output); match != "" {
		if json.Valid([]byte(match)) {
			return []byte(match), true
		}
	}
	return nil, false
}

// Summarizer produces a ConversationExtraction from a run of older
// messages, via an auxiliary model with a structural fallback.
type Summarizer struct {
	invoker  AgentInvoker
	auxModel string
	workDir  string
}

// NewSummarizer returns a Summarizer that invokes model through invoker,
// running the auxiliary call from workDir (an inert scratch directory;
// the summarizer never edits files).
func NewSummarizer(invoker AgentInvoker, auxModel, workDir string) *Summarizer {
	return &Summarizer{invoker: invoker, auxModel: auxModel, workDir: workDir}
}

// Summarize produces a ConversationExtraction covering messages, which
// must be supplied in chronological order and non-empty.
func (s *Summarizer) Summarize(ctx context.Context, ticketID string, messages []store.ConversationMessage) *store.ConversationExtraction {
	tokensBefore := 0
	for _, m := range messages {
		tokensBefore += m.TokenCount
	}

	payload, ok := s.summarizeWithModel(ctx, messages)
	if !ok {
		payload = structuralFallback(messages)
	}

	extraction := &store.ConversationExtraction{
		TicketID:        ticketID,
		Decisions:       capStrings(payload.Decisions, 10),
		ProblemsSolved:  capStrings(payload.ProblemsSolved, 10),
		FilesModified:   referencedFiles(messages),
		ImportantNotes:  capStrings(payload.ImportantNotes, 15),
		CurrentStatus:   payload.CurrentStatus,
		CoversMsgFromID: messages[0].ID,
		CoversMsgToID:   messages[len(messages)-1].ID,
		TokensBefore:    tokensBefore,
	}
	extraction.TokensAfter = agent.EstimateTokens(strings.Join(extraction.Decisions, " ") +
		strings.Join(extraction.ProblemsSolved, " ") + extraction.CurrentStatus)
	return extraction
}

func (s *Summarizer) summarizeWithModel(ctx context.Context, messages []store.ConversationMessage) (extractionPayload, bool) {
	ctx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()

	prompt := buildSummarizationPrompt(messages)

	var output strings.Builder
	_, err := s.invoker.Spawn(ctx, prompt, s.workDir, s.auxModel, nil, func(event agent.StreamEvent) error {
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
		return extractionPayload{}, false
	}

	raw, ok := extractJSON(output.String())
	if !ok {
		return extractionPayload{}, false
	}
	var payload extractionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return extractionPayload{}, false
	}
	return payload, true
}

func buildSummarizationPrompt(messages []store.ConversationMessage) string {
	tail := messages
	if len(tail) > 30 {
		tail = tail[len(tail)-30:]
	}
	var lines []string
	for _, m := range tail {
		content := m.Content
		if len(content) > 2000 {
			content = content[:2000]
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", strings.ToUpper(string(m.Role)), content))
	}
	return fmt.Sprintf(`Analyze this conversation and extract key information in JSON format.

CONVERSATION:
%s

Respond with ONLY a JSON object (no markdown, no explanation):
{
  "decisions": ["decision 1", ...],
  "problems_solved": ["problem: solution", ...],
  "current_status": "brief status",
  "key_info": "important technical details to remember",
  "important_notes": ["explicit rules, warnings or user preferences to always remember", ...]
}`, strings.Join(lines, "\n"))
}

var fileReferencePattern = regexp.MustCompile(`[\w./-]+\.(go|py|js|ts|jsx|tsx|php|html|css|sql|json|yaml|yml|md)`)

func referencedFiles(messages []store.ConversationMessage) []string {
	seen := map[string]bool{}
	var files []string
	for _, m := range messages {
		for _, match := range fileReferencePattern.FindAllString(m.Content, -1) {
			if !seen[match] {
				seen[match] = true
				files = append(files, match)
			}
		}
	}
	return capStrings(files, 20)
}

// structuralFallback produces a degraded but still useful extraction
// when the auxiliary model call fails or returns invalid JSON.
func structuralFallback(messages []store.ConversationMessage) extractionPayload {
	return extractionPayload{
		CurrentStatus: fmt.Sprintf("Processed %d messages", len(messages)),
	}
}

func capStrings(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	return items[:max]
}
