// Package store is the transactional persistence layer: projects,
// tickets, conversation history, execution sessions, usage, inbound user
// messages, and the project map/knowledge caches consulted by the
// context builder.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the SQLite-backed persistence layer shared by every other
// daemon component.
type Store struct {
	db *DB
}

// New wraps an already-open DB in a Store.
func New(db *DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func marshalErrorSolutions(v []ErrorSolution) string {
	if v == nil {
		v = []ErrorSolution{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalErrorSolutions(raw string) []ErrorSolution {
	if raw == "" {
		return nil
	}
	var out []ErrorSolution
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// ticketNumber renders a project code and sequence number as the
// human-readable "{CODE}-NNNN" identifier, widening past 4 digits
// rather than truncating.
func ticketNumber(code string, number int) string {
	digits := fmt.Sprintf("%d", number)
	for len(digits) < 4 {
		digits = "0" + digits
	}
	return fmt.Sprintf("%s-%s", code, digits)
}

// --- Projects ---

// CreateProject inserts a new project row.
func (s *Store) CreateProject(p *Project) error {
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = ProjectActive
	}
	if p.Type == "" {
		p.Type = ProjectTypeOther
	}
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, code, type, status, web_path, app_path, context,
			db_host, db_name, db_user, db_password, agent_model, total_tokens, total_duration_seconds,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
	`, p.ID, p.Name, p.Code, p.Type, p.Status, nullString(p.WebPath), nullString(p.AppPath), nullString(p.Context),
		nullString(p.DBHost), nullString(p.DBName), nullString(p.DBUser), nullString(p.DBPassword), nullString(p.AgentModel),
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("create project: %w", err)}
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*Project, error) {
	row := s.db.QueryRow(projectSelect+` WHERE id = ?`, id)
	return scanProject(row)
}

// GetProjectByCode retrieves a project by its short code.
func (s *Store) GetProjectByCode(code string) (*Project, error) {
	row := s.db.QueryRow(projectSelect+` WHERE code = ?`, code)
	return scanProject(row)
}

// ListActiveProjects returns every project currently marked active, the
// set the Scheduler considers for spawning ProjectWorkers.
func (s *Store) ListActiveProjects() ([]Project, error) {
	rows, err := s.db.Query(projectSelect+` WHERE status = ? ORDER BY name`, ProjectActive)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// ListActiveProjectsWithWork returns active projects that own at least
// one ticket in {open, new, pending}, ordered by the best (lowest rank)
// priority among their open tickets — the query the Scheduler's main
// loop uses to decide which projects deserve a worker.
func (s *Store) ListActiveProjectsWithWork() ([]Project, error) {
	rows, err := s.db.Query(`
		SELECT `+projectColumns+`
		FROM projects p
		WHERE p.status = ?
		AND EXISTS (
			SELECT 1 FROM tickets t
			WHERE t.project_id = p.id AND t.status IN (?, ?, ?)
		)
		ORDER BY (
			SELECT MIN(CASE t.priority
				WHEN 'critical' THEN 1 WHEN 'high' THEN 2 WHEN 'medium' THEN 3 ELSE 4 END)
			FROM tickets t WHERE t.project_id = p.id AND t.status IN (?, ?, ?)
		), p.name
	`, ProjectActive, StatusOpen, StatusNew, StatusPending, StatusOpen, StatusNew, StatusPending)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// AddProjectUsage increments a project's cumulative usage counters.
func (s *Store) AddProjectUsage(projectID string, tokens, durationSeconds int64) error {
	_, err := s.db.Exec(`
		UPDATE projects SET total_tokens = total_tokens + ?, total_duration_seconds = total_duration_seconds + ?,
			updated_at = ? WHERE id = ?
	`, tokens, durationSeconds, time.Now(), projectID)
	if err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

// ArchiveProject marks a project archived; it is never deleted from the
// orchestration perspective.
func (s *Store) ArchiveProject(id string) error {
	_, err := s.db.Exec(`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`, ProjectArchived, time.Now(), id)
	if err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

const projectColumns = `p.id, p.name, p.code, p.type, p.status, p.web_path, p.app_path, p.context,
	p.db_host, p.db_name, p.db_user, p.db_password, p.agent_model, p.total_tokens, p.total_duration_seconds,
	p.created_at, p.updated_at`

const projectSelect = `SELECT id, name, code, type, status, web_path, app_path, context,
	db_host, db_name, db_user, db_password, agent_model, total_tokens, total_duration_seconds,
	created_at, updated_at
	FROM projects p`

func scanProject(row *sql.Row) (*Project, error)       { return scanProjectGeneric(row) }
func scanProjectRows(rows *sql.Rows) (*Project, error) { return scanProjectGeneric(rows) }

func scanProjectGeneric(sc rowScanner) (*Project, error) {
	var p Project
	var webPath, appPath, ctx, dbHost, dbName, dbUser, dbPassword, agentModel sql.NullString
	err := sc.Scan(&p.ID, &p.Name, &p.Code, &p.Type, &p.Status, &webPath, &appPath, &ctx,
		&dbHost, &dbName, &dbUser, &dbPassword, &agentModel, &p.TotalTokens, &p.TotalDurationSeconds,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	p.WebPath, p.AppPath, p.Context = webPath.String, appPath.String, ctx.String
	p.DBHost, p.DBName, p.DBUser, p.DBPassword = dbHost.String, dbName.String, dbUser.String, dbPassword.String
	p.AgentModel = agentModel.String
	return &p, nil
}

// --- Tags ---

// AddTag attaches a free-form label to a project.
func (s *Store) AddTag(projectID, name string) error {
	_, err := s.db.Exec(`
		INSERT INTO tags (id, project_id, name) VALUES (?, ?, ?)
		ON CONFLICT(project_id, name) DO NOTHING
	`, uuid.NewString(), projectID, name)
	if err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

// ListTagsForProject returns every tag attached to a project.
func (s *Store) ListTagsForProject(projectID string) ([]Tag, error) {
	rows, err := s.db.Query(`SELECT id, project_id, name FROM tags WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Name); err != nil {
			return nil, &TransientError{Err: err}
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// --- Tickets ---

// CreateTicket allocates the next ticket number for the project inside a
// serializable transaction so concurrent creators never race on
// MAX(number)+1, then inserts the row. The caller supplies everything
// except Number, TicketNumber, CreatedAt and UpdatedAt.
func (s *Store) CreateTicket(ctx context.Context, t *Ticket) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return &TransientError{Err: err}
	}
	defer tx.Rollback()

	var code string
	if err := tx.QueryRowContext(ctx, `SELECT code FROM projects WHERE id = ?`, t.ProjectID).Scan(&code); err != nil {
		if err == sql.ErrNoRows {
			return &FatalError{Err: fmt.Errorf("create ticket: no such project %s", t.ProjectID)}
		}
		return &TransientError{Err: err}
	}

	var maxNumber sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(number) FROM tickets WHERE project_id = ?`, t.ProjectID).Scan(&maxNumber); err != nil {
		return &TransientError{Err: fmt.Errorf("allocating ticket number: %w", err)}
	}
	t.Number = int(maxNumber.Int64) + 1
	t.TicketNumber = ticketNumber(code, t.Number)

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = StatusNew
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (id, project_id, number, title, description, context, priority, status,
			model_override, stuck_reason, close_reason, review_deadline, total_tokens, total_duration_seconds,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
	`, t.ID, t.ProjectID, t.Number, t.Title, t.Description, nullString(t.Context), t.Priority, t.Status,
		nullString(t.ModelOverride), nullString(t.StuckReason), nullString(t.CloseReason), nullTime(t.ReviewDeadline),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("insert ticket: %w", err)}
	}

	if err := tx.Commit(); err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

const ticketSelect = `SELECT t.id, t.project_id, t.number, p.code, t.title, t.description, t.context, t.priority,
	t.status, t.model_override, t.stuck_reason, t.close_reason, t.review_deadline, t.total_tokens,
	t.total_duration_seconds, t.created_at, t.updated_at
	FROM tickets t JOIN projects p ON p.id = t.project_id`

// GetTicket retrieves a ticket by ID.
func (s *Store) GetTicket(id string) (*Ticket, error) {
	row := s.db.QueryRow(ticketSelect+` WHERE t.id = ?`, id)
	return scanTicket(row)
}

// ListTicketsByStatus returns every ticket in the given status across all
// projects, oldest first.
func (s *Store) ListTicketsByStatus(status Status) ([]Ticket, error) {
	rows, err := s.db.Query(ticketSelect+` WHERE t.status = ? ORDER BY t.created_at`, status)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer rows.Close()
	return scanTicketList(rows)
}

// ListTicketsByProject returns every ticket belonging to a project,
// ordered by number.
func (s *Store) ListTicketsByProject(projectID string) ([]Ticket, error) {
	rows, err := s.db.Query(ticketSelect+` WHERE t.project_id = ? ORDER BY t.number`, projectID)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer rows.Close()
	return scanTicketList(rows)
}

// ClaimNextTicket returns the next ticket a ProjectWorker should work
// for a project: status in {open, new, pending}, ordered by priority
// (critical first) then created_at ascending. Returns nil, nil if there
// is no work. It does not itself transition the ticket's status — the
// caller (the sole worker for this project, per the one-worker-per-
// project invariant) does that once it actually starts the session.
func (s *Store) ClaimNextTicket(projectID string) (*Ticket, error) {
	row := s.db.QueryRow(ticketSelect+`
		WHERE t.project_id = ? AND t.status IN (?, ?, ?)
		ORDER BY CASE t.priority
			WHEN 'critical' THEN 1 WHEN 'high' THEN 2 WHEN 'medium' THEN 3 ELSE 4 END,
			t.created_at ASC
		LIMIT 1
	`, projectID, StatusOpen, StatusNew, StatusPending)
	t, err := scanTicket(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return t, err
}

// ListOverdueAwaitingInput returns awaiting_input tickets whose
// review_deadline has passed, the Scheduler's 7-day auto-close sweep
// candidates.
func (s *Store) ListOverdueAwaitingInput(now time.Time) ([]Ticket, error) {
	rows, err := s.db.Query(ticketSelect+`
		WHERE t.status = ? AND t.review_deadline IS NOT NULL AND t.review_deadline < ?
	`, StatusAwaitingInput, now)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer rows.Close()
	return scanTicketList(rows)
}

// ListRecentlyFailed returns tickets in status failed updated since
// since, recovery's reopen-recent-failures step.
func (s *Store) ListRecentlyFailed(since time.Time) ([]Ticket, error) {
	rows, err := s.db.Query(ticketSelect+` WHERE t.status = ? AND t.updated_at >= ?`, StatusFailed, since)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer rows.Close()
	return scanTicketList(rows)
}

func scanTicketList(rows *sql.Rows) ([]Ticket, error) {
	var tickets []Ticket
	for rows.Next() {
		t, err := scanTicketRows(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

func scanTicket(row *sql.Row) (*Ticket, error)       { return scanTicketGeneric(row) }
func scanTicketRows(rows *sql.Rows) (*Ticket, error) { return scanTicketGeneric(rows) }

func scanTicketGeneric(sc rowScanner) (*Ticket, error) {
	var t Ticket
	var code string
	var description, ctxStr, modelOverride, stuckReason, closeReason sql.NullString
	var reviewDeadline sql.NullTime
	err := sc.Scan(&t.ID, &t.ProjectID, &t.Number, &code, &t.Title, &description, &ctxStr, &t.Priority,
		&t.Status, &modelOverride, &stuckReason, &closeReason, &reviewDeadline, &t.TotalTokens,
		&t.TotalDurationSeconds, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	t.Description, t.Context = description.String, ctxStr.String
	t.ModelOverride, t.StuckReason, t.CloseReason = modelOverride.String, stuckReason.String, closeReason.String
	if reviewDeadline.Valid {
		rd := reviewDeadline.Time
		t.ReviewDeadline = &rd
	}
	t.TicketNumber = ticketNumber(code, t.Number)
	return &t, nil
}

// transitionTicket is the single write path for every ticket status
// change; it keeps stuck_reason/close_reason/review_deadline consistent
// with the new status instead of leaving stale values from a prior
// state.
func (s *Store) transitionTicket(id string, status Status, stuckReason, closeReason string, reviewDeadline *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE tickets SET status = ?, stuck_reason = ?, close_reason = ?, review_deadline = ?, updated_at = ?
		WHERE id = ?
	`, status, nullString(stuckReason), nullString(closeReason), nullTime(reviewDeadline), time.Now(), id)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("transition ticket: %w", err)}
	}
	return nil
}

// MarkInProgress starts (or resumes) a ticket's active session.
func (s *Store) MarkInProgress(id string) error {
	return s.transitionTicket(id, StatusInProgress, "", "", nil)
}

// MarkAwaitingInput transitions a ticket to awaiting_input with a 7-day
// review deadline, per the post-run disposition matrix.
func (s *Store) MarkAwaitingInput(id string) error {
	deadline := time.Now().Add(7 * 24 * time.Hour)
	return s.transitionTicket(id, StatusAwaitingInput, "", "", &deadline)
}

// MarkDone closes a ticket with a reason (e.g. "approved",
// "auto_closed_7days").
func (s *Store) MarkDone(id, reason string) error {
	return s.transitionTicket(id, StatusDone, "", reason, nil)
}

// MarkSkipped marks a ticket skipped via the /skip command.
func (s *Store) MarkSkipped(id string) error {
	return s.transitionTicket(id, StatusSkipped, "", "", nil)
}

// MarkStuck marks a ticket stuck, either by the worker's own
// stuck-timeout or by the Watchdog's productivity verdict.
func (s *Store) MarkStuck(id, reason string) error {
	return s.transitionTicket(id, StatusStuck, reason, "", nil)
}

// MarkFailed marks a ticket failed with a truncated reason.
func (s *Store) MarkFailed(id, reason string) error {
	return s.transitionTicket(id, StatusFailed, "", reason, nil)
}

// MarkPending parks a ticket awaiting interjection with no active agent
// (the disposition when the daemon shuts down mid-session).
func (s *Store) MarkPending(id string) error {
	return s.transitionTicket(id, StatusPending, "", "", nil)
}

// ReopenTicket transitions a ticket back to open, used by the recovery
// pass for in_progress and recently failed tickets. A free-text reply
// against an awaiting_input ticket is reopened by EnqueueUserMessage.
func (s *Store) ReopenTicket(id string) error {
	return s.transitionTicket(id, StatusOpen, "", "", nil)
}

// ResetOrphanTickets transitions every in_progress ticket back to open,
// except those belonging to a project in liveProjectIDs. This is the
// Scheduler's per-tick orphan sweep (§4.I step 2): a ticket only counts
// as orphaned once its project's worker is actually gone, never while a
// live worker still owns it.
func (s *Store) ResetOrphanTickets(liveProjectIDs []string) (int64, error) {
	query := `UPDATE tickets SET status = ?, updated_at = ? WHERE status = ?`
	args := []interface{}{StatusOpen, time.Now(), StatusInProgress}
	if len(liveProjectIDs) > 0 {
		placeholders := strings.Repeat("?,", len(liveProjectIDs))
		placeholders = placeholders[:len(placeholders)-1]
		query += ` AND project_id NOT IN (` + placeholders + `)`
		for _, id := range liveProjectIDs {
			args = append(args, id)
		}
	}
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, &TransientError{Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AddTicketUsage increments a ticket's cumulative token/duration
// counters, mirroring the same increment onto its owning project.
func (s *Store) AddTicketUsage(ticketID string, tokens, durationSeconds int64) error {
	var projectID string
	if err := s.db.QueryRow(`SELECT project_id FROM tickets WHERE id = ?`, ticketID).Scan(&projectID); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return &TransientError{Err: err}
	}
	_, err := s.db.Exec(`
		UPDATE tickets SET total_tokens = total_tokens + ?, total_duration_seconds = total_duration_seconds + ?,
			updated_at = ? WHERE id = ?
	`, tokens, durationSeconds, time.Now(), ticketID)
	if err != nil {
		return &TransientError{Err: err}
	}
	return s.AddProjectUsage(projectID, tokens, durationSeconds)
}

// --- Conversation ---

// AppendConversationMessage records one turn of agent conversation,
// truncating content at MaxMessageContentChars.
func (s *Store) AppendConversationMessage(m *ConversationMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now()
	if len(m.Content) > MaxMessageContentChars {
		m.Content = m.Content[:MaxMessageContentChars]
	}
	var toolInput interface{}
	if len(m.ToolInput) > 0 {
		toolInput = string(m.ToolInput)
	}
	_, err := s.db.Exec(`
		INSERT INTO conversation_messages (id, ticket_id, session_id, role, content, tool_name, tool_input,
			token_count, is_summarized, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.TicketID, nullableStringPtr(m.SessionID), m.Role, m.Content, nullableStringPtr(m.ToolName),
		toolInput, m.TokenCount, boolToInt(m.IsSummarized), m.CreatedAt)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("append conversation message: %w", err)}
	}
	return nil
}

func nullableStringPtr(p *string) interface{} {
	if p == nil || *p == "" {
		return nil
	}
	return *p
}

const conversationMessageSelect = `SELECT id, ticket_id, session_id, role, content, tool_name, tool_input,
	token_count, is_summarized, created_at FROM conversation_messages`

// ListConversationMessages returns every message for a ticket in order,
// oldest first.
func (s *Store) ListConversationMessages(ticketID string) ([]ConversationMessage, error) {
	rows, err := s.db.Query(conversationMessageSelect+` WHERE ticket_id = ? ORDER BY created_at`, ticketID)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer rows.Close()
	return scanConversationMessages(rows)
}

// ListUnsummarizedMessages returns every not-yet-summarized message for
// a ticket in chronological order, the input to the smart-history
// algorithm.
func (s *Store) ListUnsummarizedMessages(ticketID string) ([]ConversationMessage, error) {
	rows, err := s.db.Query(conversationMessageSelect+` WHERE ticket_id = ? AND is_summarized = 0 ORDER BY created_at`, ticketID)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer rows.Close()
	return scanConversationMessages(rows)
}

func scanConversationMessages(rows *sql.Rows) ([]ConversationMessage, error) {
	var messages []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		var sessionID, toolName, toolInput sql.NullString
		var isSummarized int
		if err := rows.Scan(&m.ID, &m.TicketID, &sessionID, &m.Role, &m.Content, &toolName, &toolInput,
			&m.TokenCount, &isSummarized, &m.CreatedAt); err != nil {
			return nil, &TransientError{Err: err}
		}
		if sessionID.Valid {
			v := sessionID.String
			m.SessionID = &v
		}
		if toolName.Valid {
			v := toolName.String
			m.ToolName = &v
		}
		if toolInput.Valid {
			m.ToolInput = json.RawMessage(toolInput.String)
		}
		m.IsSummarized = isSummarized != 0
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkMessagesSummarized flips is_summarized for a set of messages,
// called once their content has been folded into a ConversationExtraction.
func (s *Store) MarkMessagesSummarized(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE conversation_messages SET is_summarized = 1 WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

// SaveExtraction stores a summarization of conversation history and
// marks the covered messages summarized, in one transaction so a crash
// cannot leave messages marked without their extraction (or vice
// versa).
func (s *Store) SaveExtraction(ctx context.Context, e *ConversationExtraction, coveredMessageIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer tx.Rollback()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now()
	e.MessagesSummarized = len(coveredMessageIDs)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_extractions (id, ticket_id, decisions, problems_solved, files_modified,
			blocking_issues, important_notes, error_patterns, current_status, covers_msg_from_id,
			covers_msg_to_id, messages_summarized, tokens_before, tokens_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TicketID, marshalStrings(e.Decisions), marshalStrings(e.ProblemsSolved), marshalStrings(e.FilesModified),
		marshalStrings(e.BlockingIssues), marshalStrings(e.ImportantNotes), marshalStrings(e.ErrorPatterns),
		e.CurrentStatus, e.CoversMsgFromID, e.CoversMsgToID, e.MessagesSummarized, e.TokensBefore, e.TokensAfter,
		e.CreatedAt)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("save extraction: %w", err)}
	}

	if len(coveredMessageIDs) > 0 {
		placeholders := make([]string, len(coveredMessageIDs))
		args := make([]interface{}, len(coveredMessageIDs))
		for i, id := range coveredMessageIDs {
			placeholders[i] = "?"
			args[i] = id
		}
		query := fmt.Sprintf(`UPDATE conversation_messages SET is_summarized = 1 WHERE id IN (%s)`, strings.Join(placeholders, ","))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return &TransientError{Err: err}
		}
	}

	return tx.Commit()
}

// GetLatestExtraction returns the most recent extraction for a ticket,
// if any.
func (s *Store) GetLatestExtraction(ticketID string) (*ConversationExtraction, error) {
	row := s.db.QueryRow(`
		SELECT id, ticket_id, decisions, problems_solved, files_modified, blocking_issues, important_notes,
			error_patterns, current_status, covers_msg_from_id, covers_msg_to_id, messages_summarized,
			tokens_before, tokens_after, created_at
		FROM conversation_extractions WHERE ticket_id = ? ORDER BY created_at DESC LIMIT 1
	`, ticketID)

	var e ConversationExtraction
	var decisions, problemsSolved, filesModified, blockingIssues, importantNotes, errorPatterns string
	err := row.Scan(&e.ID, &e.TicketID, &decisions, &problemsSolved, &filesModified, &blockingIssues,
		&importantNotes, &errorPatterns, &e.CurrentStatus, &e.CoversMsgFromID, &e.CoversMsgToID,
		&e.MessagesSummarized, &e.TokensBefore, &e.TokensAfter, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	e.Decisions = unmarshalStrings(decisions)
	e.ProblemsSolved = unmarshalStrings(problemsSolved)
	e.FilesModified = unmarshalStrings(filesModified)
	e.BlockingIssues = unmarshalStrings(blockingIssues)
	e.ImportantNotes = unmarshalStrings(importantNotes)
	e.ErrorPatterns = unmarshalStrings(errorPatterns)
	return &e, nil
}

// --- Execution sessions & usage ---

// StartSession records the start of an agent subprocess invocation,
// resetting the per-session usage accumulators.
func (s *Store) StartSession(sess *ExecutionSession) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.StartedAt = time.Now()
	sess.Status = SessionRunning
	_, err := s.db.Exec(`
		INSERT INTO execution_sessions (id, ticket_id, model, status, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, api_calls, started_at)
		VALUES (?, ?, ?, ?, 0, 0, 0, 0, 0, ?)
	`, sess.ID, sess.TicketID, sess.Model, sess.Status, sess.StartedAt)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("start session: %w", err)}
	}
	return nil
}

// AccumulateSessionUsage adds incremental usage observed from an
// `assistant` stream record; it never subtracts, since a `result`
// record replaces rather than adds.
func (s *Store) AccumulateSessionUsage(id string, input, output, cacheRead, cacheCreation int64, apiCalls int) error {
	_, err := s.db.Exec(`
		UPDATE execution_sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?, cache_creation_tokens = cache_creation_tokens + ?,
			api_calls = api_calls + ?
		WHERE id = ?
	`, input, output, cacheRead, cacheCreation, apiCalls, id)
	if err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

// ReplaceSessionUsage overwrites the session's usage counters with the
// authoritative totals carried by a `result` stream record.
func (s *Store) ReplaceSessionUsage(id string, input, output, cacheRead, cacheCreation int64) error {
	_, err := s.db.Exec(`
		UPDATE execution_sessions SET input_tokens = ?, output_tokens = ?, cache_read_tokens = ?,
			cache_creation_tokens = ? WHERE id = ?
	`, input, output, cacheRead, cacheCreation, id)
	if err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

// EndSession records an agent subprocess's final outcome and returns
// the closed session for the caller to build a UsageRecord from.
func (s *Store) EndSession(id string, status SessionStatus) (*ExecutionSession, error) {
	now := time.Now()
	if _, err := s.db.Exec(`UPDATE execution_sessions SET status = ?, ended_at = ? WHERE id = ?`, status, now, id); err != nil {
		return nil, &TransientError{Err: err}
	}
	return s.GetSession(id)
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*ExecutionSession, error) {
	row := s.db.QueryRow(`
		SELECT id, ticket_id, model, status, input_tokens, output_tokens, cache_read_tokens,
			cache_creation_tokens, api_calls, started_at, ended_at
		FROM execution_sessions WHERE id = ?
	`, id)
	var sess ExecutionSession
	var endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.TicketID, &sess.Model, &sess.Status, &sess.InputTokens, &sess.OutputTokens,
		&sess.CacheReadTokens, &sess.CacheCreationTokens, &sess.APICalls, &sess.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

// MarkAllRunningSessionsStuck closes every session left `running` — the
// recovery step run once at Scheduler startup, since a running session
// surviving a restart can only mean the owning process died.
func (s *Store) MarkAllRunningSessionsStuck() (int64, error) {
	res, err := s.db.Exec(`UPDATE execution_sessions SET status = ?, ended_at = ? WHERE status = ?`,
		SessionStuck, time.Now(), SessionRunning)
	if err != nil {
		return 0, &TransientError{Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordUsage stores the final token accounting snapshot for one
// execution session.
func (s *Store) RecordUsage(u *UsageRecord) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = time.Now()
	_, err := s.db.Exec(`
		INSERT INTO usage_records (id, session_id, ticket_id, project_id, input_tokens, output_tokens,
			cache_read_tokens, cache_creation_tokens, duration_seconds, api_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.SessionID, u.TicketID, u.ProjectID, u.InputTokens, u.OutputTokens, u.CacheReadTokens,
		u.CacheCreationTokens, u.DurationSeconds, u.APICalls, u.CreatedAt)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("record usage: %w", err)}
	}
	return nil
}

// --- User messages (CommandBridge) ---

var commandBodies = map[string]bool{"/done": true, "/skip": true, "/stop": true}

func classifyMessage(body string) UserMessageType {
	if commandBodies[strings.ToLower(strings.TrimSpace(body))] {
		return MessageTypeCommand
	}
	return MessageTypeMessage
}

// EnqueueUserMessage stores an inbound message for CommandBridge
// processing. If the target ticket is currently awaiting_input and the
// body is free text (not a command), the ticket is reopened to `open`
// in the same transaction — this is the single call site for that rule,
// so every ingestion path (CommandBridge, NotificationChannel) behaves
// identically regardless of who calls it.
func (s *Store) EnqueueUserMessage(ctx context.Context, m *UserMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer tx.Rollback()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = time.Now()
	m.MessageType = classifyMessage(m.Body)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_messages (id, ticket_id, body, message_type, processed, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, m.ID, m.TicketID, m.Body, m.MessageType, m.CreatedAt)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("enqueue user message: %w", err)}
	}

	if m.MessageType == MessageTypeMessage {
		var status Status
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tickets WHERE id = ?`, m.TicketID).Scan(&status); err != nil && err != sql.ErrNoRows {
			return &TransientError{Err: err}
		}
		if status == StatusAwaitingInput {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tickets SET status = ?, stuck_reason = NULL, updated_at = ? WHERE id = ?
			`, StatusOpen, time.Now(), m.TicketID); err != nil {
				return &TransientError{Err: err}
			}
		}
	}

	return tx.Commit()
}

// ClaimPendingUserMessages reads every unprocessed message for a ticket
// ordered oldest-first and marks them all processed in the same
// transaction, giving the CommandBridge exactly-once delivery across a
// crash.
func (s *Store) ClaimPendingUserMessages(ctx context.Context, ticketID string) ([]UserMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, ticket_id, body, message_type, processed, created_at
		FROM user_messages WHERE ticket_id = ? AND processed = 0
		ORDER BY created_at
	`, ticketID)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	var messages []UserMessage
	var ids []string
	for rows.Next() {
		var m UserMessage
		var processed int
		if err := rows.Scan(&m.ID, &m.TicketID, &m.Body, &m.MessageType, &processed, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, &TransientError{Err: err}
		}
		m.Processed = true
		messages = append(messages, m)
		ids = append(ids, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Err: err}
	}

	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			placeholders[i] = "?"
			args[i] = id
		}
		query := fmt.Sprintf(`UPDATE user_messages SET processed = 1 WHERE id IN (%s)`, strings.Join(placeholders, ","))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, &TransientError{Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &TransientError{Err: err}
	}
	return messages, nil
}

// --- Project knowledge & map caches ---

// GetProjectKnowledge returns the knowledge cache for a project, if any.
func (s *Store) GetProjectKnowledge(projectID string) (*ProjectKnowledge, error) {
	row := s.db.QueryRow(`
		SELECT project_id, known_gotchas, error_solutions, architecture_decisions, learned_from_tickets, updated_at
		FROM project_knowledge WHERE project_id = ?
	`, projectID)
	var k ProjectKnowledge
	var gotchas, solutions, decisions, tickets string
	err := row.Scan(&k.ProjectID, &gotchas, &solutions, &decisions, &tickets, &k.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	k.KnownGotchas = unmarshalStrings(gotchas)
	k.ErrorSolutions = unmarshalErrorSolutions(solutions)
	k.ArchitectureDecisions = unmarshalStrings(decisions)
	k.LearnedFromTickets = unmarshalStrings(tickets)
	return &k, nil
}

func trimTail(items []string, max int) []string {
	if len(items) <= max {
		return items
	}
	return items[len(items)-max:]
}

func dedupAppend(existing, fresh []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(existing)+len(fresh))
	for _, v := range existing {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range fresh {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// MergeProjectKnowledge folds freshly-extracted gotchas/solutions/
// decisions into the project's knowledge cache without duplicating
// entries, trimming each category to MaxKnowledgeItemsPerCategory
// most-recent items.
func (s *Store) MergeProjectKnowledge(projectID string, gotchas []string, solutions []ErrorSolution, decisions []string, ticketNumber string) error {
	existing, err := s.GetProjectKnowledge(projectID)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = &ProjectKnowledge{ProjectID: projectID}
	}

	existing.KnownGotchas = trimTail(dedupAppend(existing.KnownGotchas, gotchas), MaxKnowledgeItemsPerCategory)
	existing.ArchitectureDecisions = trimTail(dedupAppend(existing.ArchitectureDecisions, decisions), MaxKnowledgeItemsPerCategory)
	if ticketNumber != "" {
		existing.LearnedFromTickets = trimTail(dedupAppend(existing.LearnedFromTickets, []string{ticketNumber}), MaxKnowledgeItemsPerCategory)
	}

	seen := map[string]bool{}
	merged := make([]ErrorSolution, 0, len(existing.ErrorSolutions)+len(solutions))
	for _, es := range existing.ErrorSolutions {
		if !seen[es.Error] {
			seen[es.Error] = true
			merged = append(merged, es)
		}
	}
	for _, es := range solutions {
		if !seen[es.Error] {
			seen[es.Error] = true
			merged = append(merged, es)
		}
	}
	if len(merged) > MaxKnowledgeItemsPerCategory {
		merged = merged[len(merged)-MaxKnowledgeItemsPerCategory:]
	}
	existing.ErrorSolutions = merged
	existing.UpdatedAt = time.Now()

	_, err = s.db.Exec(`
		INSERT INTO project_knowledge (project_id, known_gotchas, error_solutions, architecture_decisions,
			learned_from_tickets, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET known_gotchas = excluded.known_gotchas,
			error_solutions = excluded.error_solutions, architecture_decisions = excluded.architecture_decisions,
			learned_from_tickets = excluded.learned_from_tickets, updated_at = excluded.updated_at
	`, existing.ProjectID, marshalStrings(existing.KnownGotchas), marshalErrorSolutions(existing.ErrorSolutions),
		marshalStrings(existing.ArchitectureDecisions), marshalStrings(existing.LearnedFromTickets), existing.UpdatedAt)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("merge project knowledge: %w", err)}
	}
	return nil
}

// GetProjectMap returns the cached structure map for a project, or nil
// if absent or expired — the caller regenerates on either.
func (s *Store) GetProjectMap(projectID string, now time.Time) (*ProjectMap, error) {
	row := s.db.QueryRow(`
		SELECT project_id, structure_summary, tech_stack, entry_points, primary_language, generated_at, expires_at
		FROM project_maps WHERE project_id = ?
	`, projectID)
	var pm ProjectMap
	var techStack, entryPoints string
	err := row.Scan(&pm.ProjectID, &pm.StructureSummary, &techStack, &entryPoints, &pm.PrimaryLanguage,
		&pm.GeneratedAt, &pm.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	pm.TechStack = unmarshalStrings(techStack)
	pm.EntryPoints = unmarshalStrings(entryPoints)
	if pm.Expired(now) {
		return nil, nil
	}
	return &pm, nil
}

// SaveProjectMap upserts the directory/language/framework map cache for
// a project.
func (s *Store) SaveProjectMap(pm *ProjectMap) error {
	_, err := s.db.Exec(`
		INSERT INTO project_maps (project_id, structure_summary, tech_stack, entry_points, primary_language,
			generated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET structure_summary = excluded.structure_summary,
			tech_stack = excluded.tech_stack, entry_points = excluded.entry_points,
			primary_language = excluded.primary_language, generated_at = excluded.generated_at,
			expires_at = excluded.expires_at
	`, pm.ProjectID, pm.StructureSummary, marshalStrings(pm.TechStack), marshalStrings(pm.EntryPoints),
		pm.PrimaryLanguage, pm.GeneratedAt, pm.ExpiresAt)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("save project map: %w", err)}
	}
	return nil
}

// --- Daemon log mirror ---

// AppendDaemonLog persists one diagnostic line (info, warn or error)
// so operators can query recent events in the database without tailing
// files.
func (s *Store) AppendDaemonLog(level, component, message string) error {
	_, err := s.db.Exec(`
		INSERT INTO daemon_log (level, component, message, created_at)
		VALUES (?, ?, ?, ?)
	`, level, component, message, time.Now())
	if err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

// RecentDaemonLogs returns the most recent log mirror entries, newest
// first.
func (s *Store) RecentDaemonLogs(limit int) ([]DaemonLog, error) {
	rows, err := s.db.Query(`
		SELECT id, level, component, message, created_at
		FROM daemon_log ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer rows.Close()

	var logs []DaemonLog
	for rows.Next() {
		var l DaemonLog
		if err := rows.Scan(&l.ID, &l.Level, &l.Component, &l.Message, &l.CreatedAt); err != nil {
			return nil, &TransientError{Err: err}
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Config ---

// GetConfigValue reads a single key from the config table.
func (s *Store) GetConfigValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &TransientError{Err: err}
	}
	return value, nil
}

// SetConfigValue upserts a single key in the config table.
func (s *Store) SetConfigValue(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return &TransientError{Err: err}
	}
	return nil
}

// --- Stats ---

// CountByStatus returns ticket counts grouped by status, the basis of
// the CLI status subcommand's board summary.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tickets GROUP BY status`)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &TransientError{Err: err}
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}
