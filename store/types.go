package store

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a ticket.
type Status string

const (
	StatusNew          Status = "new"
	StatusOpen         Status = "open"
	StatusPending      Status = "pending"
	StatusInProgress   Status = "in_progress"
	StatusAwaitingInput Status = "awaiting_input"
	StatusDone         Status = "done"
	StatusSkipped      Status = "skipped"
	StatusStuck        Status = "stuck"
	StatusFailed       Status = "failed"
)

// Priority orders which ticket a ProjectWorker claims next within a
// project: critical > high > medium > low, then created_at ascending.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ProjectType classifies what kind of codebase a project is, shown on
// the Type line of the ContextBuilder preamble.
type ProjectType string

const (
	ProjectTypeWeb    ProjectType = "web"
	ProjectTypeApp    ProjectType = "app"
	ProjectTypeHybrid ProjectType = "hybrid"
	ProjectTypeAPI    ProjectType = "api"
	ProjectTypeOther  ProjectType = "other"
)

// ProjectStatus is active/archived, distinct from a ticket's Status.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// Project is a single codebase the daemon works tickets against. A
// project optionally owns a dedicated application database, described
// here so the ProjectWorker can merge its credentials into the agent's
// environment.
type Project struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Code   string        `json:"code"`
	Type   ProjectType   `json:"type"`
	Status ProjectStatus `json:"status"`

	WebPath string `json:"web_path,omitempty"`
	AppPath string `json:"app_path,omitempty"`
	Context string `json:"context,omitempty"`

	DBHost     string `json:"db_host,omitempty"`
	DBName     string `json:"db_name,omitempty"`
	DBUser     string `json:"db_user,omitempty"`
	DBPassword string `json:"db_password,omitempty"`

	AgentModel string `json:"agent_model,omitempty"`

	TotalTokens          int64 `json:"total_tokens"`
	TotalDurationSeconds int64 `json:"total_duration_seconds"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Tags []Tag `json:"tags,omitempty"`
}

// HasDatabase reports whether the project owns a dedicated application
// database whose credentials should be merged into the agent prompt
// and environment.
func (p *Project) HasDatabase() bool {
	return p.DBName != ""
}

// Ticket is the unit of work a ProjectWorker drives through the
// lifecycle state machine.
type Ticket struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	// Number is the raw per-project sequence; TicketNumber is the
	// rendered "{CODE}-NNNN" form, zero-padded to at least 4 digits.
	Number       int    `json:"number"`
	TicketNumber string `json:"ticket_number"`

	Title       string   `json:"title"`
	Description string   `json:"description"`
	Context     string   `json:"context,omitempty"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`

	ModelOverride string `json:"model_override,omitempty"`
	StuckReason   string `json:"stuck_reason,omitempty"`
	CloseReason   string `json:"close_reason,omitempty"`

	ReviewDeadline *time.Time `json:"review_deadline,omitempty"`

	TotalTokens          int64 `json:"total_tokens"`
	TotalDurationSeconds int64 `json:"total_duration_seconds"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Tags []Tag `json:"tags,omitempty"`
}

// Tag is a free-form label attachable to a project, stored and listed
// through AddTag and ListTagsForProject.
type Tag struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// MessageRole is the speaker of a ConversationMessage turn.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolUse    MessageRole = "tool_use"
	RoleToolResult MessageRole = "tool_result"
	RoleSystem     MessageRole = "system"
)

// MaxMessageContentChars is the truncation cap applied to any single
// ConversationMessage's content before it is persisted, matching the
// teacher's AuditingSpawner prompt/response truncation.
const MaxMessageContentChars = 50_000

// ConversationMessage is a single append-only turn in a ticket's agent
// transcript.
type ConversationMessage struct {
	ID        string      `json:"id"`
	TicketID  string      `json:"ticket_id"`
	SessionID *string     `json:"session_id,omitempty"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`

	ToolName  *string         `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	TokenCount   int  `json:"token_count"`
	IsSummarized bool `json:"is_summarized"`

	CreatedAt time.Time `json:"created_at"`
}

// ConversationExtraction is an immutable summary of a contiguous range
// of older messages, produced once unsummarized history exceeds the
// extraction threshold.
type ConversationExtraction struct {
	ID       string `json:"id"`
	TicketID string `json:"ticket_id"`

	Decisions      []string `json:"decisions"`
	ProblemsSolved []string `json:"problems_solved"`
	FilesModified  []string `json:"files_modified"`
	BlockingIssues []string `json:"blocking_issues"`
	ImportantNotes []string `json:"important_notes"`
	ErrorPatterns  []string `json:"error_patterns"`
	CurrentStatus  string   `json:"current_status"`

	CoversMsgFromID    string `json:"covers_msg_from_id"`
	CoversMsgToID      string `json:"covers_msg_to_id"`
	MessagesSummarized int    `json:"messages_summarized"`
	TokensBefore       int    `json:"tokens_before"`
	TokensAfter        int    `json:"tokens_after"`

	CreatedAt time.Time `json:"created_at"`
}

// SessionStatus is the outcome of one ExecutionSession.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionStopped   SessionStatus = "stopped"
	SessionSkipped   SessionStatus = "skipped"
	SessionStuck     SessionStatus = "stuck"
)

// ExecutionSession records one agent subprocess invocation for a
// ticket. Token accumulators are incremental during streaming and are
// authoritatively replaced by the terminating `result` record.
type ExecutionSession struct {
	ID       string        `json:"id"`
	TicketID string        `json:"ticket_id"`
	Model    string        `json:"model"`
	Status   SessionStatus `json:"status"`

	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	APICalls            int   `json:"api_calls"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// TotalTokens sums every accounted token category for the session.
func (e *ExecutionSession) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens + e.CacheReadTokens + e.CacheCreationTokens
}

// UsageRecord is a session-final accounting snapshot, joined to project
// and ticket for rollups.
type UsageRecord struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	TicketID  string `json:"ticket_id"`
	ProjectID string `json:"project_id"`

	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	DurationSeconds     int64 `json:"duration_seconds"`
	APICalls            int   `json:"api_calls"`

	CreatedAt time.Time `json:"created_at"`
}

// UserMessageType distinguishes a command token (/done, /skip, /stop)
// from ordinary free text appended to the conversation.
type UserMessageType string

const (
	MessageTypeMessage UserMessageType = "message"
	MessageTypeCommand UserMessageType = "command"
)

// UserMessage is a row in the CommandBridge queue: an interjection from
// an interactive client, consumed exactly once by the owning
// ProjectWorker.
type UserMessage struct {
	ID          string          `json:"id"`
	TicketID    string          `json:"ticket_id"`
	Body        string          `json:"body"`
	MessageType UserMessageType `json:"message_type"`
	Processed   bool            `json:"processed"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ErrorSolution is one accumulated error-message/fix pair in a
// project's knowledge cache.
type ErrorSolution struct {
	Error    string `json:"error"`
	Solution string `json:"solution"`
}

// MaxKnowledgeItemsPerCategory caps each ProjectKnowledge list, trimming
// the oldest entries once exceeded.
const MaxKnowledgeItemsPerCategory = 20

// ProjectKnowledge is the accumulated gotchas/decisions cache for a
// project, consulted by the ContextBuilder and grown by extraction.
type ProjectKnowledge struct {
	ProjectID string `json:"project_id"`

	KnownGotchas          []string        `json:"known_gotchas"`
	ErrorSolutions        []ErrorSolution `json:"error_solutions"`
	ArchitectureDecisions []string        `json:"architecture_decisions"`
	LearnedFromTickets    []string        `json:"learned_from_tickets"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectMap is a cached directory/language/framework summary for a
// project, regenerated once ExpiresAt has passed.
type ProjectMap struct {
	ProjectID string `json:"project_id"`

	StructureSummary string   `json:"structure_summary"`
	TechStack        []string `json:"tech_stack"`
	EntryPoints      []string `json:"entry_points"`
	PrimaryLanguage  string   `json:"primary_language"`

	GeneratedAt time.Time `json:"generated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the cached map should be regenerated.
func (pm *ProjectMap) Expired(now time.Time) bool {
	return now.After(pm.ExpiresAt)
}

// DaemonLog is one persisted diagnostic line (info, warn or error)
// written by the agent, audit and backup code, queryable in the
// database without requiring a log aggregator.
type DaemonLog struct {
	ID        int64     `json:"id"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
