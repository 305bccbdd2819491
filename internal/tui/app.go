// Package tui is the interactive front end: start essays, pick interrupt
// points, step through paused threads and read every part of the state.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/dshills/essaygraph/essay"
	"github.com/dshills/essaygraph/graph/emit"
)

// Service is the part of essay.Writer the UI drives.
type Service interface {
	Run(ctx context.Context, req essay.RunRequest) (essay.Result, error)
	Continue(ctx context.Context, threadID string, interruptAfter []string) (essay.Result, error)
	Inspect(ctx context.Context, threadID string) (essay.Result, error)
	Threads(ctx context.Context) ([]string, error)
	Reset(ctx context.Context, threadID string) error
	Export(ctx context.Context, threadID, dir string) ([]string, error)
}

// EventSource supplies a thread's event log, usually an
// *emit.BufferedEmitter shared with the engine.
type EventSource interface {
	History(threadID string) []emit.Event
}

type View int

const (
	ViewThreads View = iota
	ViewNew
	ViewThread
)

type Tab int

const (
	TabPlan Tab = iota
	TabResearch
	TabDraft
	TabCritique
	TabSnapshots
	TabRaw
	TabEvents
)

var tabNames = []string{"Plan", "Research", "Draft", "Critique", "Snapshots", "Raw JSON", "Events"}

// Options configure the app.
type Options struct {
	MaxRevisions   int
	InterruptAfter []string
	ExportDir      string
}

type App struct {
	svc    Service
	events EventSource
	opts   Options

	view        View
	threads     []string
	selectedIdx int

	topic     textinput.Model
	revisions textinput.Model
	focus     int
	interrupt map[string]bool

	threadID string
	result   essay.Result
	tab      Tab
	body     viewport.Model

	running bool
	cancel  context.CancelFunc
	status  string
	err     error

	width  int
	height int

	newID func() string
}

func NewApp(svc Service, events EventSource, opts Options) *App {
	topic := textinput.New()
	topic.Placeholder = "Write an essay on..."
	topic.CharLimit = 500
	topic.Width = 60

	revisions := textinput.New()
	revisions.Placeholder = "2"
	revisions.CharLimit = 2
	revisions.Width = 4
	revisions.SetValue(strconv.Itoa(opts.MaxRevisions))

	interrupt := make(map[string]bool)
	for _, n := range opts.InterruptAfter {
		interrupt[n] = true
	}

	return &App{
		svc:       svc,
		events:    events,
		opts:      opts,
		view:      ViewThreads,
		topic:     topic,
		revisions: revisions,
		interrupt: interrupt,
		body:      viewport.New(80, 20),
		newID:     uuid.NewString,
	}
}

func (a *App) Init() tea.Cmd {
	return a.loadThreads
}

type tickMsg time.Time

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.body.Width = msg.Width
		a.body.Height = max(msg.Height-8, 5)
		a.refreshBody()
		return a, nil

	case threadsLoadedMsg:
		a.threads = msg.threads
		a.err = msg.err
		if a.selectedIdx >= len(a.threads) {
			a.selectedIdx = max(len(a.threads)-1, 0)
		}
		return a, nil

	case resultMsg:
		a.running = false
		a.cancel = nil
		a.err = msg.err
		a.result = msg.result
		if msg.result.ThreadID != "" {
			a.threadID = msg.result.ThreadID
		}
		a.view = ViewThread
		a.status = describe(msg.result)
		if msg.err == nil {
			a.tab = tabFor(msg.result.LastNode)
		}
		a.refreshBody()
		return a, a.loadThreads

	case tickMsg:
		if a.running {
			a.refreshBody()
			return a, a.tickCmd()
		}
		return a, nil

	case resetMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = "deleted " + msg.threadID
			a.view = ViewThreads
			a.threadID = ""
			a.result = essay.Result{}
		}
		return a, a.loadThreads

	case exportedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = fmt.Sprintf("exported %d files to %s", len(msg.paths), a.opts.ExportDir)
		}
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		if a.cancel != nil {
			a.cancel()
		}
		return a, tea.Quit
	}
	switch a.view {
	case ViewThreads:
		return a.handleThreadsKey(msg)
	case ViewNew:
		return a.handleNewKey(msg)
	case ViewThread:
		return a.handleThreadKey(msg)
	}
	return a, nil
}

func (a *App) handleThreadsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.threads)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.threads) > 0 {
			a.threadID = a.threads[a.selectedIdx]
			return a, a.inspect(a.threadID)
		}

	case "n":
		a.view = ViewNew
		a.focus = 0
		a.revisions.Blur()
		return a, a.topic.Focus()

	case "r":
		return a, a.loadThreads
	}
	return a, nil
}

func (a *App) handleNewKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.view = ViewThreads
		return a, nil

	case "tab", "shift+tab":
		a.focus = 1 - a.focus
		if a.focus == 0 {
			a.revisions.Blur()
			return a, a.topic.Focus()
		}
		a.topic.Blur()
		return a, a.revisions.Focus()

	case "ctrl+t":
		a.toggleNext()
		return a, nil

	case "enter":
		topic := strings.TrimSpace(a.topic.Value())
		if topic == "" {
			a.err = essay.ErrEmptyTopic
			return a, nil
		}
		maxRev, err := strconv.Atoi(strings.TrimSpace(a.revisions.Value()))
		if err != nil || maxRev < 0 {
			a.err = fmt.Errorf("max revisions must be a non-negative number")
			return a, nil
		}
		a.err = nil
		a.topic.SetValue("")
		return a, a.start(essay.RunRequest{
			Topic:          topic,
			ThreadID:       a.newID(),
			MaxRevisions:   maxRev,
			InterruptAfter: a.interruptList(),
		})
	}

	var cmd tea.Cmd
	if a.focus == 0 {
		a.topic, cmd = a.topic.Update(msg)
	} else {
		a.revisions, cmd = a.revisions.Update(msg)
	}
	return a, cmd
}

func (a *App) handleThreadKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		if a.running {
			return a, nil
		}
		a.view = ViewThreads
		return a, a.loadThreads

	case "tab", "right", "l":
		a.tab = (a.tab + 1) % Tab(len(tabNames))
		a.refreshBody()
		return a, nil

	case "shift+tab", "left", "h":
		a.tab = (a.tab + Tab(len(tabNames)) - 1) % Tab(len(tabNames))
		a.refreshBody()
		return a, nil

	case "1", "2", "3", "4", "5":
		i := int(msg.String()[0] - '1')
		node := essay.NodeIDs[i]
		a.interrupt[node] = !a.interrupt[node]
		return a, nil

	case "c":
		if a.running || a.result.Terminal || a.threadID == "" {
			return a, nil
		}
		return a, a.resume(a.threadID)

	case "x":
		if a.threadID != "" && !a.running {
			return a, a.export(a.threadID)
		}

	case "d":
		if a.threadID != "" && !a.running {
			return a, a.reset(a.threadID)
		}
	}

	var cmd tea.Cmd
	a.body, cmd = a.body.Update(msg)
	return a, cmd
}

// toggleNext cycles the interrupt set on the new-essay form through each
// single node and back to none.
func (a *App) toggleNext() {
	current := a.interruptList()
	next := ""
	switch {
	case len(current) == 0:
		next = essay.NodeIDs[0]
	case len(current) == 1:
		for i, n := range essay.NodeIDs {
			if n == current[0] && i+1 < len(essay.NodeIDs) {
				next = essay.NodeIDs[i+1]
			}
		}
	}
	a.interrupt = make(map[string]bool)
	if next != "" {
		a.interrupt[next] = true
	}
}

// interruptList returns the selected interrupt nodes in graph order. It is
// never nil so that an empty selection overrides the configured default.
func (a *App) interruptList() []string {
	out := []string{}
	for _, n := range essay.NodeIDs {
		if a.interrupt[n] {
			out = append(out, n)
		}
	}
	return out
}

func (a *App) refreshBody() {
	a.body.SetContent(a.tabContent())
}

func (a *App) tabContent() string {
	r := a.result
	switch a.tab {
	case TabPlan:
		return orNone(r.Plan)
	case TabResearch:
		if len(r.ResearchContent) == 0 {
			return "(none)"
		}
		var b strings.Builder
		for i, c := range r.ResearchContent {
			fmt.Fprintf(&b, "[%d] %s\n\n", i+1, c)
		}
		return b.String()
	case TabDraft:
		return orNone(r.Draft)
	case TabCritique:
		return orNone(r.Critique)
	case TabSnapshots:
		if len(r.Snapshots) == 0 {
			return "(none)"
		}
		var b strings.Builder
		for _, s := range r.Snapshots {
			fmt.Fprintf(&b, "%s  rev %d  %-18s", s.At.Format("15:04:05"), s.Revision, s.Node)
			if len(s.Queries) > 0 {
				fmt.Fprintf(&b, "  queries=%q results=%d", s.Queries, s.Results)
			}
			if s.Chars > 0 {
				fmt.Fprintf(&b, "  chars=%d", s.Chars)
			}
			b.WriteString("\n")
		}
		return b.String()
	case TabRaw:
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err.Error()
		}
		return string(data)
	case TabEvents:
		return a.eventLog()
	}
	return ""
}

func (a *App) eventLog() string {
	if a.events == nil || a.threadID == "" {
		return "(no events)"
	}
	events := a.events.History(a.threadID)
	if len(events) == 0 {
		return "(no events)"
	}
	var b strings.Builder
	for _, e := range events {
		line := fmt.Sprintf("%s  step %-3d %-12s %s", e.Time.Format("15:04:05.000"), e.Step, e.Msg, e.NodeID)
		if msg := e.Err(); msg != "" {
			line = statusFailed.Render(line + "  " + msg)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (a *App) View() string {
	switch a.view {
	case ViewThreads:
		return a.viewThreads()
	case ViewNew:
		return a.viewNew()
	case ViewThread:
		return a.viewThread()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	tabStyle       = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("243"))
	activeTabStyle = tabStyle.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPaused   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewThreads() string {
	s := titleStyle.Render("Essay threads") + "\n\n"
	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	if len(a.threads) == 0 {
		s += "No threads yet. Press 'n' to start one.\n"
	}
	for i, id := range a.threads {
		if i == a.selectedIdx {
			s += selectedStyle.Render("▶ "+id) + "\n"
		} else {
			s += "  " + id + "\n"
		}
	}
	s += "\n" + helpStyle.Render("[enter] open  [n] new  [r] refresh  [q] quit")
	return s
}

func (a *App) viewNew() string {
	s := titleStyle.Render("New essay") + "\n\n"
	s += labelStyle.Render("Topic") + "\n" + a.topic.View() + "\n\n"
	s += labelStyle.Render("Max revisions") + "\n" + a.revisions.View() + "\n\n"
	s += labelStyle.Render("Interrupt after: ") + a.interruptSummary() + "\n"
	if a.err != nil {
		s += "\n" + statusFailed.Render(a.err.Error()) + "\n"
	}
	s += "\n" + helpStyle.Render("[enter] generate  [tab] next field  [ctrl+t] cycle interrupt  [esc] cancel")
	return s
}

func (a *App) viewThread() string {
	s := titleStyle.Render("Thread "+a.threadID) + "  " + a.statusBadge() + "\n"
	s += labelStyle.Render(fmt.Sprintf("revision %d of %d  step %d  last %s",
		a.result.RevisionNumber, a.result.MaxRevisions+1, a.result.Step, orNone(a.result.LastNode))) + "\n"
	s += labelStyle.Render("Interrupt after: ") + a.interruptSummary() + "\n"
	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	} else if a.status != "" {
		s += labelStyle.Render(a.status) + "\n"
	}

	tabs := make([]string, len(tabNames))
	for i, name := range tabNames {
		if Tab(i) == a.tab {
			tabs[i] = activeTabStyle.Render(name)
		} else {
			tabs[i] = tabStyle.Render(name)
		}
	}
	s += lipgloss.JoinHorizontal(lipgloss.Top, tabs...) + "\n"
	s += a.body.View() + "\n"
	s += helpStyle.Render("[tab] switch  [c] continue  [1-5] toggle interrupt  [x] export  [d] delete  [esc] back")
	return s
}

func (a *App) statusBadge() string {
	switch {
	case a.running:
		return statusRunning.Render("● running")
	case a.result.Terminal:
		return statusComplete.Render("✓ complete")
	case a.result.Outcome == essay.OutcomeFailed:
		return statusFailed.Render("✗ failed at " + a.result.PausedAt)
	case a.result.PausedAt != "":
		return statusPaused.Render("⏸ next " + a.result.PausedAt)
	}
	return ""
}

func (a *App) interruptSummary() string {
	list := a.interruptList()
	if len(list) == 0 {
		return "none"
	}
	return strings.Join(list, ", ")
}

// tabFor picks the tab showing what node last produced.
func tabFor(node string) Tab {
	switch node {
	case essay.NodeResearchPlan, essay.NodeResearchCritique:
		return TabResearch
	case essay.NodeGenerate:
		return TabDraft
	case essay.NodeReflect:
		return TabCritique
	}
	return TabPlan
}

func describe(r essay.Result) string {
	switch r.Outcome {
	case essay.OutcomeRevisionCapReached:
		return fmt.Sprintf("finished after %d drafts", r.RevisionNumber)
	case essay.OutcomePaused:
		return "paused before " + r.PausedAt
	}
	return ""
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// Messages

type threadsLoadedMsg struct {
	threads []string
	err     error
}

type resultMsg struct {
	result essay.Result
	err    error
}

type resetMsg struct {
	threadID string
	err      error
}

type exportedMsg struct {
	paths []string
	err   error
}

// Commands

func (a *App) loadThreads() tea.Msg {
	threads, err := a.svc.Threads(context.Background())
	return threadsLoadedMsg{threads: threads, err: err}
}

func (a *App) inspect(threadID string) tea.Cmd {
	return func() tea.Msg {
		res, err := a.svc.Inspect(context.Background(), threadID)
		return resultMsg{result: res, err: err}
	}
}

func (a *App) start(req essay.RunRequest) tea.Cmd {
	ctx, cancel := context.WithCancel(context.Background())
	a.running = true
	a.cancel = cancel
	a.view = ViewThread
	a.threadID = req.ThreadID
	a.result = essay.Result{ThreadID: req.ThreadID, Task: req.Topic, MaxRevisions: req.MaxRevisions}
	a.tab = TabEvents
	a.status = "generating..."
	return tea.Batch(func() tea.Msg {
		defer cancel()
		res, err := a.svc.Run(ctx, req)
		return resultMsg{result: res, err: err}
	}, a.tickCmd())
}

func (a *App) resume(threadID string) tea.Cmd {
	ctx, cancel := context.WithCancel(context.Background())
	a.running = true
	a.cancel = cancel
	a.status = "continuing..."
	interrupts := a.interruptList()
	return tea.Batch(func() tea.Msg {
		defer cancel()
		res, err := a.svc.Continue(ctx, threadID, interrupts)
		return resultMsg{result: res, err: err}
	}, a.tickCmd())
}

func (a *App) reset(threadID string) tea.Cmd {
	return func() tea.Msg {
		return resetMsg{threadID: threadID, err: a.svc.Reset(context.Background(), threadID)}
	}
}

func (a *App) export(threadID string) tea.Cmd {
	dir := a.opts.ExportDir
	return func() tea.Msg {
		paths, err := a.svc.Export(context.Background(), threadID, dir)
		return exportedMsg{paths: paths, err: err}
	}
}
