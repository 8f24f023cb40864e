// Package context assembles the per-invocation agent preamble and
// enforces the token budget over replayed conversation history,
// summarizing older messages and maintaining per-project memory.
package context

import (
	"bytes"
	gocontext "context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kolobosdimitrios/conductor/agent"
	"github.com/kolobosdimitrios/conductor/store"
)

var funcs = template.FuncMap{
	"title": cases.Title(language.English).String,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
	"sub":   func(a, b int) int { return a - b },
	"add":   func(a, b int) int { return a + b },
}

const preambleTemplate = `=== PROJECT: {{.Project.Name}} ({{.Project.Code}}) ===
Type: {{.Project.Type}}
{{- if .Project.WebPath}}
Web path: {{.Project.WebPath}}
{{- end}}
{{- if .Project.AppPath}}
App path: {{.Project.AppPath}}
{{- end}}
{{- if .Project.Context}}
Context: {{.Project.Context}}
{{- end}}

{{if .GlobalContext}}=== ENVIRONMENT ===
{{.GlobalContext}}

{{end -}}
{{if .Preferences.NonEmpty}}=== USER PREFERENCES ===
{{if .Preferences.Language}}Language: {{.Preferences.Language}}
{{end -}}
{{if .Preferences.ResponseStyle}}Response style: {{.Preferences.ResponseStyle}}
{{end -}}
{{if .Preferences.SkillLevel}}Skill level: {{.Preferences.SkillLevel}}
{{end -}}
{{if .Preferences.Quirks}}Quirks: {{.Preferences.Quirks}}
{{end}}
{{end -}}
{{if .ProjectMap}}=== PROJECT STRUCTURE ===
{{.ProjectMap.StructureSummary}}
{{if .ProjectMap.TechStack}}Tech Stack: {{join .ProjectMap.TechStack ", "}}
{{end -}}
{{if .ProjectMap.EntryPoints}}Entry Points: {{join .ProjectMap.EntryPoints ", "}}
{{end -}}
Primary Language: {{.ProjectMap.PrimaryLanguage}}

{{end -}}
{{if .Knowledge}}=== PROJECT KNOWLEDGE ===
{{if .Knowledge.KnownGotchas}}Known Gotchas: {{join .Knowledge.KnownGotchas "; "}}
{{end -}}
{{range .Knowledge.ErrorSolutions}}- {{.Error}}: {{.Solution}}
{{end -}}
{{range .Knowledge.ArchitectureDecisions}}- Decision: {{.}}
{{end}}
{{end -}}
{{if .Extraction}}=== PREVIOUS WORK ON THIS TICKET ===
{{if .Extraction.ImportantNotes}}IMPORTANT - ALWAYS REMEMBER:
{{range .Extraction.ImportantNotes}}  - {{.}}
{{end}}
{{end -}}
{{if .Extraction.Decisions}}Decisions made:
{{range .Extraction.Decisions}}  - {{.}}
{{end}}
{{end -}}
{{if .Extraction.ProblemsSolved}}Problems solved:
{{range .Extraction.ProblemsSolved}}  - {{.}}
{{end}}
{{end -}}
{{if .Extraction.FilesModified}}Files modified: {{join .Extraction.FilesModified ", "}}
{{end -}}
{{if .Extraction.CurrentStatus}}Current status: {{.Extraction.CurrentStatus}}
{{end}}
{{end -}}
{{if .Project.HasDatabase}}=== PROJECT DATABASE ===
Host: {{.Project.DBHost}}
Name: {{.Project.DBName}}
User: {{.Project.DBUser}}

{{end -}}
{{if .Ticket.Context}}=== TICKET CONTEXT ===
{{.Ticket.Context}}

{{end -}}
=== ALLOWED PATHS ===
You may only modify files under: {{join .AllowedPaths ", "}}

=== TICKET {{.Ticket.TicketNumber}}: {{.Ticket.Title}} ===
{{.Ticket.Description}}
`

type preambleData struct {
	Project       *store.Project
	Ticket        *store.Ticket
	GlobalContext string
	Preferences   Preferences
	ProjectMap    *store.ProjectMap
	Knowledge     *store.ProjectKnowledge
	Extraction    *store.ConversationExtraction
	AllowedPaths  []string
}

// Preferences holds the operator's standing instructions for how an
// agent should communicate, per §4.D preamble section 3. It is
// site-wide, not per-project: the same Builder applies it to every
// ticket it renders a preamble for.
type Preferences struct {
	Language      string
	ResponseStyle string
	SkillLevel    string
	Quirks        string
}

// NonEmpty reports whether any preference is set, letting the preamble
// template omit the whole section when the operator configured none.
func (p Preferences) NonEmpty() bool {
	return p.Language != "" || p.ResponseStyle != "" || p.SkillLevel != "" || p.Quirks != ""
}

// Thresholds holds the token-budget knobs ContextBuilder enforces,
// mirroring config.Config's context fields.
type Thresholds struct {
	ExtractionThreshold int
	RecentTokensBudget  int
	MaxSingleMessage    int
	MaxTotalTokens      int
	ProjectMapExpiry    time.Duration
}

// Builder assembles preambles and enforces the smart-history budget.
type Builder struct {
	store       *store.Store
	summarizer  *Summarizer
	thresholds  Thresholds
	preferences Preferences
	tmpl        *template.Template
}

// NewBuilder returns a Builder backed by st, using summarizer to
// compress history once it crosses thresholds.ExtractionThreshold.
// prefs is applied to every preamble this Builder renders.
func NewBuilder(st *store.Store, summarizer *Summarizer, thresholds Thresholds, prefs Preferences) (*Builder, error) {
	tmpl, err := template.New("preamble").Funcs(funcs).Parse(preambleTemplate)
	if err != nil {
		return nil, fmt.Errorf("context: parsing preamble template: %w", err)
	}
	return &Builder{store: st, summarizer: summarizer, thresholds: thresholds, preferences: prefs, tmpl: tmpl}, nil
}

// BuildPreamble assembles the full system preamble for one agent
// invocation against ticket, including the allow-listed filesystem
// paths the agent may modify.
func (b *Builder) BuildPreamble(ctx gocontext.Context, project *store.Project, ticket *store.Ticket, globalContext string) (string, error) {
	pm, err := b.ensureProjectMap(ctx, project)
	if err != nil {
		return "", err
	}
	knowledge, err := b.store.GetProjectKnowledge(project.ID)
	if err != nil {
		return "", err
	}
	extraction, err := b.store.GetLatestExtraction(ticket.ID)
	if err != nil {
		return "", err
	}

	data := preambleData{
		Project:       project,
		Ticket:        ticket,
		GlobalContext: globalContext,
		Preferences:   b.preferences,
		ProjectMap:    pm,
		Knowledge:     knowledge,
		Extraction:    extraction,
		AllowedPaths:  allowedPaths(project),
	}

	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("context: rendering preamble: %w", err)
	}
	return buf.String(), nil
}

func allowedPaths(project *store.Project) []string {
	var paths []string
	if project.WebPath != "" {
		paths = append(paths, project.WebPath)
	}
	if project.AppPath != "" {
		paths = append(paths, project.AppPath)
	}
	if len(paths) == 0 {
		paths = []string{"/var/www/projects"}
	}
	return paths
}

func (b *Builder) ensureProjectMap(ctx gocontext.Context, project *store.Project) (*store.ProjectMap, error) {
	now := time.Now()
	pm, err := b.store.GetProjectMap(project.ID, now)
	if err != nil {
		return nil, err
	}
	if pm != nil {
		return pm, nil
	}

	path := project.WebPath
	if path == "" {
		path = project.AppPath
	}
	if path == "" {
		return nil, nil
	}

	fresh, err := GenerateProjectMap(project.ID, path, b.thresholds.ProjectMapExpiry)
	if err != nil {
		return nil, nil
	}
	if err := b.store.SaveProjectMap(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// SmartHistory returns the messages to replay verbatim for ticketID,
// summarizing and persisting an extraction for anything older than the
// recent-tokens budget once the unsummarized total crosses the
// extraction threshold.
func (b *Builder) SmartHistory(ctx gocontext.Context, projectID, ticketID, ticketNumber string) ([]store.ConversationMessage, error) {
	unsummarized, err := b.store.ListUnsummarizedMessages(ticketID)
	if err != nil {
		return nil, err
	}
	if len(unsummarized) == 0 {
		return nil, nil
	}

	total := 0
	for i := range unsummarized {
		if unsummarized[i].TokenCount == 0 {
			unsummarized[i].TokenCount = estimateMessageTokens(unsummarized[i].Content)
		}
		total += unsummarized[i].TokenCount
	}
	if total <= b.thresholds.ExtractionThreshold {
		return unsummarized, nil
	}

	recent, recentTokens := []store.ConversationMessage{}, 0
	for i := len(unsummarized) - 1; i >= 0; i-- {
		msg := unsummarized[i]
		tokens := msg.TokenCount
		if tokens > b.thresholds.MaxSingleMessage {
			msg.Content = truncateMiddle(msg.Content, b.thresholds.MaxSingleMessage)
			tokens = b.thresholds.MaxSingleMessage
		}
		if recentTokens+tokens > b.thresholds.RecentTokensBudget {
			break
		}
		recent = append([]store.ConversationMessage{msg}, recent...)
		recentTokens += tokens
	}

	older := unsummarized[:len(unsummarized)-len(recent)]
	if len(older) > 0 && b.summarizer != nil {
		extraction := b.summarizer.Summarize(ctx, ticketID, older)
		ids := make([]string, len(older))
		for i, m := range older {
			ids[i] = m.ID
		}
		if err := b.store.SaveExtraction(ctx, extraction, ids); err != nil {
			return nil, err
		}
		if err := b.store.MergeProjectKnowledge(projectID, extraction.ImportantNotes,
			solutionsFromProblems(extraction.ProblemsSolved), extraction.Decisions, ticketNumber); err != nil {
			return nil, err
		}
	}

	return recent, nil
}

// solutionsFromProblems adapts the summarizer's "problem: solution"
// string pairs into ErrorSolution rows for the knowledge cache.
func solutionsFromProblems(problemsSolved []string) []store.ErrorSolution {
	solutions := make([]store.ErrorSolution, 0, len(problemsSolved))
	for _, p := range problemsSolved {
		if idx := strings.Index(p, ":"); idx >= 0 {
			solutions = append(solutions, store.ErrorSolution{
				Error:    strings.TrimSpace(p[:idx]),
				Solution: strings.TrimSpace(p[idx+1:]),
			})
			continue
		}
		solutions = append(solutions, store.ErrorSolution{Error: p})
	}
	return solutions
}

// truncateMiddle keeps the first 40% and last 40% of content,
// dropping the middle, when content's estimated token count exceeds
// maxTokens.
func truncateMiddle(content string, maxTokens int) string {
	charLimit := maxTokens * 4
	if len(content) <= charLimit {
		return content
	}
	keep := int(float64(charLimit) * 0.4)
	if keep <= 0 || keep*2 >= len(content) {
		return content[:charLimit]
	}
	head := content[:keep]
	tail := content[len(content)-keep:]
	return fmt.Sprintf("%s\n\n[... truncated ...]\n\n%s", head, tail)
}

func estimateMessageTokens(content string) int {
	return agent.EstimateTokens(content)
}
