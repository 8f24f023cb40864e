package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kolobosdimitrios/conductor/bus"
	"github.com/kolobosdimitrios/conductor/store"
)

// maxToolResultChars caps a tool_result message's persisted content,
// matching the teacher's truncation of large subprocess output before
// it is written to the conversation log.
const maxToolResultChars = 5_000

// completionMarker is the substring an assistant turn emits to signal
// the agent considers the ticket's work done. The match is
// case-insensitive since the marker sometimes arrives as part of a
// longer sentence.
const completionMarker = "task completed"

// Consumer persists one session's StreamEvents into the store as
// conversation turns and token usage, and publishes console/status
// events on the bus for subscribers of the console and ticket topics.
// It is the full AgentProtocol handler; AuditingSpawner (audit.go) is a
// lighter decorator used where only prompt/response logging matters.
type Consumer struct {
	store     *store.Store
	bus       *bus.Bus
	ticketID  string
	sessionID string

	// Completed is set once an assistant turn contains the completion
	// marker. The worker inspects it after the subprocess exits.
	Completed bool
}

// NewConsumer returns a Consumer that records events for sessionID
// against ticketID.
func NewConsumer(st *store.Store, b *bus.Bus, ticketID, sessionID string) *Consumer {
	return &Consumer{store: st, bus: b, ticketID: ticketID, sessionID: sessionID}
}

// Handle implements EventHandler, dispatching on the event's type.
func (c *Consumer) Handle(event StreamEvent) error {
	switch event.Type {
	case "assistant":
		return c.handleAssistant(event)
	case "result":
		return c.handleResult(event)
	case "error":
		return c.handleError(event)
	default:
		return nil
	}
}

// HandleRaw records a line that failed to parse as a StreamEvent, so a
// misbehaving agent's output is never silently dropped.
func (c *Consumer) HandleRaw(line string) {
	_ = c.store.AppendDaemonLog("warn", "agent", fmt.Sprintf("unparseable stream line: %s", truncateForAudit(line)))
}

func (c *Consumer) handleAssistant(event StreamEvent) error {
	msg, err := ParseAssistantMessage(event.Message)
	if err != nil {
		c.HandleRaw(string(event.Message))
		return nil
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if strings.TrimSpace(block.Text) == "" {
				continue
			}
			if strings.Contains(strings.ToLower(block.Text), completionMarker) {
				c.Completed = true
			}
			if err := c.append(store.RoleAssistant, block.Text, nil, nil); err != nil {
				return err
			}
			c.publishConsole(block.Text)
			c.publishMessage(store.RoleAssistant, block.Text)
		case "tool_use":
			name := block.Name
			if err := c.append(store.RoleToolUse, fmt.Sprintf("%s(%s)", name, block.Input), &name, block.Input); err != nil {
				return err
			}
		}
	}

	if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
		if err := c.store.AccumulateSessionUsage(c.sessionID,
			msg.Usage.InputTokens, msg.Usage.OutputTokens,
			msg.Usage.CacheReadInputTokens, msg.Usage.CacheCreationInputTokens, 1); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) handleResult(event StreamEvent) error {
	content := event.Result
	if len(content) > maxToolResultChars {
		content = content[:maxToolResultChars] + "...[truncated]"
	}
	if content != "" {
		if err := c.append(store.RoleToolResult, content, nil, nil); err != nil {
			return err
		}
	}
	if event.Usage != nil {
		if err := c.store.ReplaceSessionUsage(c.sessionID,
			event.Usage.InputTokens, event.Usage.OutputTokens,
			event.Usage.CacheReadInputTokens, event.Usage.CacheCreationInputTokens); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) handleError(event StreamEvent) error {
	text := strings.Join(event.Errors, "; ")
	if text == "" {
		text = "agent reported an error"
	}
	if err := c.append(store.RoleSystem, text, nil, nil); err != nil {
		return err
	}
	_ = c.store.AppendDaemonLog("error", "agent", fmt.Sprintf("session %s: %s", c.sessionID, text))
	return nil
}

func (c *Consumer) append(role store.MessageRole, content string, toolName *string, toolInput json.RawMessage) error {
	sid := c.sessionID
	return c.store.AppendConversationMessage(&store.ConversationMessage{
		TicketID:   c.ticketID,
		SessionID:  &sid,
		Role:       role,
		Content:    truncateForAudit(content),
		ToolName:   toolName,
		ToolInput:  toolInput,
		TokenCount: EstimateTokens(content),
	})
}

func (c *Consumer) publishConsole(text string) {
	if c.bus == nil {
		return
	}
	c.bus.PublishJSON(bus.TopicConsole, bus.EventConsoleLog, map[string]any{
		"ticket_id": c.ticketID,
		"text":      text,
	})
}

// publishMessage broadcasts one assistant segment on the ticket's own
// topic, per §4.B/§8's required message(assistant) event — distinct
// from the console feed, which is a daemon-wide tail of every ticket.
func (c *Consumer) publishMessage(role store.MessageRole, text string) {
	if c.bus == nil {
		return
	}
	c.bus.PublishJSON(bus.TicketTopic(c.ticketID), bus.EventTicketMessage, map[string]any{
		"ticket_id": c.ticketID,
		"role":      role,
		"text":      text,
	})
}
