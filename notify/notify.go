// Package notify implements the NotificationChannel: outbound gated
// event messages plus inbound long-poll reply ingestion, modeled on
// the original daemon's Telegram-shaped notify/poll contract.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/smtp"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kolobosdimitrios/conductor/agent"
	"github.com/kolobosdimitrios/conductor/store"
)

// ticketNumberPattern extracts a ticket number like "ACME-0042" out of
// a parent message's text, per §6.
var ticketNumberPattern = regexp.MustCompile(`[A-Z]+\d*-\d+`)

// httpTimeout bounds every outbound/inbound HTTP call.
const httpTimeout = 10 * time.Second

// pollInterval is the long-poll cadence between getUpdates calls.
const pollInterval = 10 * time.Second

// Config carries the site's messaging/email settings, mirroring
// config.Config's corresponding fields.
type Config struct {
	TelegramBotToken string
	TelegramChatID   string

	NotifyTicketCompleted bool
	NotifyAwaitingInput   bool
	NotifyTicketFailed    bool
	NotifyWatchdogAlert   bool

	SMTPHost       string
	SMTPPort       int
	SMTPUser       string
	SMTPPassword   string
	SMTPFrom       string
	SMTPTo         string
	SMTPEnabled    bool
	SMTPAlertEmail string
}

// AgentInvoker is the narrow capability the channel needs to answer an
// inbound question with the auxiliary model.
type AgentInvoker interface {
	Spawn(ctx context.Context, prompt, workDir, model string, env []string, handle agent.EventHandler, onRaw func(string)) (*agent.Run, error)
}

// Channel is the NotificationChannel: it sends the four gated outbound
// event kinds and ingests inbound replies via long-polling.
type Channel struct {
	store   *store.Store
	cfg     Config
	client  *http.Client
	invoker AgentInvoker
	logger  *slog.Logger

	auxModel string
	workDir  string

	offset int64
}

// New returns a Channel. invoker/auxModel/workDir back the inbound
// question-answering path; they may be left zero-valued if questions
// are never expected to arrive.
func New(st *store.Store, cfg Config, invoker AgentInvoker, auxModel, workDir string, logger *slog.Logger) *Channel {
	return &Channel{
		store:    st,
		cfg:      cfg,
		client:   &http.Client{Timeout: httpTimeout},
		invoker:  invoker,
		auxModel: auxModel,
		workDir:  workDir,
		logger:   logger.With("component", "notify"),
	}
}

// --- Outbound ---

// NotifyTicketCompleted announces a ticket reaching done.
func (c *Channel) NotifyTicketCompleted(project *store.Project, ticket *store.Ticket) {
	if !c.cfg.NotifyTicketCompleted {
		return
	}
	c.broadcast(fmt.Sprintf("✅ %s/%s \"%s\" completed.", project.Name, ticket.TicketNumber, ticket.Title))
}

// NotifyAwaitingInput announces a ticket that finished a session and is
// now waiting for operator review.
func (c *Channel) NotifyAwaitingInput(project *store.Project, ticket *store.Ticket) {
	if !c.cfg.NotifyAwaitingInput {
		return
	}
	c.broadcast(fmt.Sprintf("⏸ %s/%s \"%s\" is awaiting your input (reviews expire in 7 days).", project.Name, ticket.TicketNumber, ticket.Title))
}

// NotifyTicketFailed announces a ticket that failed with reason.
func (c *Channel) NotifyTicketFailed(project *store.Project, ticket *store.Ticket, reason string) {
	if !c.cfg.NotifyTicketFailed {
		return
	}
	c.broadcast(fmt.Sprintf("❌ %s/%s \"%s\" failed: %s", project.Name, ticket.TicketNumber, ticket.Title, reason))
}

// NotifyTicketStuck announces a ticket the watchdog judged stuck.
func (c *Channel) NotifyTicketStuck(project *store.Project, ticket *store.Ticket, reason string) {
	c.NotifyWatchdogAlert(project, ticket, reason)
}

// NotifyWatchdogAlert announces a watchdog STUCK verdict.
func (c *Channel) NotifyWatchdogAlert(project *store.Project, ticket *store.Ticket, reason string) {
	if !c.cfg.NotifyWatchdogAlert {
		return
	}
	c.broadcast(fmt.Sprintf("⚠️ %s/%s \"%s\" looks stuck: %s", project.Name, ticket.TicketNumber, ticket.Title, reason))
}

// broadcast sends text on every configured outbound transport,
// swallowing and logging failures — a notification failure must never
// affect ticket processing.
func (c *Channel) broadcast(text string) {
	if _, err := c.sendTelegram(text, 0); err != nil {
		c.logger.Warn("telegram notify failed", "error", err)
	}
	if err := c.sendEmail("conductor alert", text); err != nil {
		c.logger.Warn("smtp notify failed", "error", err)
	}
}

type telegramMessage struct {
	MessageID int64 `json:"message_id"`
}

type telegramSendResponse struct {
	OK     bool            `json:"ok"`
	Result telegramMessage `json:"result"`
}

// sendTelegram posts text to the configured chat, optionally as a reply
// to replyTo (0 means a fresh message), returning the new message id.
func (c *Channel) sendTelegram(text string, replyTo int64) (int64, error) {
	if c.cfg.TelegramBotToken == "" || c.cfg.TelegramChatID == "" {
		return 0, nil
	}
	form := url.Values{}
	form.Set("chat_id", c.cfg.TelegramChatID)
	form.Set("text", text)
	if replyTo != 0 {
		form.Set("reply_to_message_id", strconv.FormatInt(replyTo, 10))
	}

	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.cfg.TelegramBotToken)
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var parsed telegramSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, err
	}
	if !parsed.OK {
		return 0, fmt.Errorf("notify: telegram rejected message")
	}
	return parsed.Result.MessageID, nil
}

// sendEmail delivers the secondary SMTP alert channel, gated by
// SMTPEnabled.
func (c *Channel) sendEmail(subject, body string) error {
	if !c.cfg.SMTPEnabled || c.cfg.SMTPHost == "" {
		return nil
	}
	to := c.cfg.SMTPAlertEmail
	if to == "" {
		to = c.cfg.SMTPTo
	}
	if to == "" {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	msg := []byte("To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" + body + "\r\n")

	var auth smtp.Auth
	if c.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", c.cfg.SMTPUser, c.cfg.SMTPPassword, c.cfg.SMTPHost)
	}
	return smtp.SendMail(addr, auth, c.cfg.SMTPFrom, []string{to}, msg)
}

// --- Inbound ---

type telegramChat struct {
	ID int64 `json:"id"`
}

type telegramIncoming struct {
	MessageID      int64             `json:"message_id"`
	Text           string            `json:"text"`
	Chat           telegramChat      `json:"chat"`
	ReplyToMessage *telegramIncoming `json:"reply_to_message"`
}

type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  telegramIncoming `json:"message"`
}

type telegramGetUpdatesResponse struct {
	OK     bool             `json:"ok"`
	Result []telegramUpdate `json:"result"`
}

// Run long-polls for inbound replies every pollInterval until ctx is
// canceled.
func (c *Channel) Run(ctx context.Context) {
	if c.cfg.TelegramBotToken == "" {
		return
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				c.logger.Warn("poll replies", "error", err)
			}
		}
	}
}

func (c *Channel) pollOnce(ctx context.Context) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/getUpdates?offset=%d&timeout=5", c.cfg.TelegramBotToken, c.offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var parsed telegramGetUpdatesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return err
	}
	if !parsed.OK {
		return fmt.Errorf("notify: telegram getUpdates rejected")
	}

	for _, update := range parsed.Result {
		c.handleUpdate(ctx, update)
		c.offset = update.UpdateID + 1
	}
	return nil
}

func (c *Channel) handleUpdate(ctx context.Context, update telegramUpdate) {
	msg := update.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if msg.ReplyToMessage == nil {
		c.sendGuidance(msg.MessageID)
		return
	}
	ticketNumber := ticketNumberPattern.FindString(msg.ReplyToMessage.Text)
	if ticketNumber == "" {
		c.sendGuidance(msg.MessageID)
		return
	}
	ticket, err := c.lookupTicket(ticketNumber)
	if err != nil || ticket == nil {
		c.sendGuidance(msg.MessageID)
		return
	}

	if strings.HasPrefix(text, "?") || strings.HasSuffix(text, "?") {
		c.answerQuestion(ctx, ticket, text, msg.MessageID)
		return
	}

	if err := c.store.EnqueueUserMessage(ctx, &store.UserMessage{TicketID: ticket.ID, Body: text}); err != nil {
		c.logger.Warn("enqueue inbound reply", "ticket", ticket.TicketNumber, "error", err)
	}
}

func (c *Channel) lookupTicket(ticketNumber string) (*store.Ticket, error) {
	idx := strings.LastIndex(ticketNumber, "-")
	if idx < 0 {
		return nil, fmt.Errorf("notify: malformed ticket number %q", ticketNumber)
	}
	code := ticketNumber[:idx]
	project, err := c.store.GetProjectByCode(code)
	if err != nil {
		return nil, err
	}
	tickets, err := c.store.ListTicketsByProject(project.ID)
	if err != nil {
		return nil, err
	}
	for i := range tickets {
		if tickets[i].TicketNumber == ticketNumber {
			return &tickets[i], nil
		}
	}
	return nil, nil
}

func (c *Channel) sendGuidance(replyTo int64) {
	_, _ = c.sendTelegram("Reply to a ticket notification to interject, or include the ticket number (e.g. ACME-0012).", replyTo)
}

// answerQuestion assembles a compact context (status, last 5 messages,
// cumulative tokens) and asks the auxiliary model for a brief answer,
// replying inline without changing ticket state.
func (c *Channel) answerQuestion(ctx context.Context, ticket *store.Ticket, question string, replyTo int64) {
	if c.invoker == nil {
		c.sendGuidance(replyTo)
		return
	}

	messages, err := c.store.ListConversationMessages(ticket.ID)
	if err != nil {
		c.logger.Warn("load messages for question", "ticket", ticket.TicketNumber, "error", err)
	}
	tail := messages
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}

	var transcript strings.Builder
	for _, m := range tail {
		fmt.Fprintf(&transcript, "[%s]: %s\n", strings.ToUpper(string(m.Role)), m.Content)
	}

	prompt := fmt.Sprintf(`A user is asking about the status of ticket %s ("%s"), currently %s,
having used %d tokens so far.

Recent activity:
%s

User question: %s

Reply with a brief, plain-text answer only.`, ticket.TicketNumber, ticket.Title, ticket.Status, ticket.TotalTokens, transcript.String(), question)

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var answer strings.Builder
	_, err = c.invoker.Spawn(timeoutCtx, prompt, c.workDir, c.auxModel, nil, func(event agent.StreamEvent) error {
		if event.Type != "assistant" || len(event.Message) == 0 {
			return nil
		}
		amsg, perr := agent.ParseAssistantMessage(event.Message)
		if perr != nil {
			return nil
		}
		for _, block := range amsg.Content {
			if block.Type == "text" {
				answer.WriteString(block.Text)
			}
		}
		return nil
	}, nil)
	if err != nil || answer.Len() == 0 {
		c.sendGuidance(replyTo)
		return
	}
	_, _ = c.sendTelegram(strings.TrimSpace(answer.String()), replyTo)
}
