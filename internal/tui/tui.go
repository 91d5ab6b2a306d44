// Package tui is the BubbleTea dashboard for a watch session.
//
// Layout:
//
//	┌─────────────────────────────────────┐
//	│  mdmirror  notes → md      ● live   │  ← header
//	│  ─────────────────────────────────  │  ← divider
//	│  copied 12  deleted 1  failed 0     │  ← counters
//	│  15:04:05  copy  a/x.md             │  ← recent activity
//	│  ...                                │
//	│  ─────────────────────────────────  │  ← divider
//	│  tab index  ^q quit                 │  ← status bar
//	└─────────────────────────────────────┘
//
// The index view lists the current index document, filtered by a text input.
package tui

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/screenager/mdmirror/internal/index"
	"github.com/screenager/mdmirror/internal/mirror"
	"github.com/screenager/mdmirror/internal/session"
)

// ── Palette ──────────────────────────────────────────────────────────────────

var (
	colorAccent  = lipgloss.Color("#7C6AF7") // purple
	colorDim     = lipgloss.Color("#555555") // dark grey
	colorMuted   = lipgloss.Color("#888888") // mid grey
	colorText    = lipgloss.Color("#DDDDDD") // near-white
	colorSubdued = lipgloss.Color("#444444") // for dividers
	colorCount   = lipgloss.Color("#5ECEF5") // cyan for counters
	colorErr     = lipgloss.Color("#FF6B6B") // red
	colorGreen   = lipgloss.Color("#5AF078") // live

	sTitle  = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	sAccent = lipgloss.NewStyle().Foreground(colorAccent)
	sDim    = lipgloss.NewStyle().Foreground(colorDim)
	sMuted  = lipgloss.NewStyle().Foreground(colorMuted)
	sCount  = lipgloss.NewStyle().Foreground(colorCount).Bold(true)
	sPath   = lipgloss.NewStyle().Foreground(colorText)
	sDir    = lipgloss.NewStyle().Foreground(colorMuted)
	sErr    = lipgloss.NewStyle().Foreground(colorErr)
	sGreen  = lipgloss.NewStyle().Foreground(colorGreen)
	sSel    = lipgloss.NewStyle().
		Background(lipgloss.Color("#1E1A3A")).
		Foreground(colorText)
	sHint = lipgloss.NewStyle().
		Foreground(colorDim).
		Background(lipgloss.Color("#111111"))
	sDivider = lipgloss.NewStyle().Foreground(colorSubdued)
)

// ── Spinner frames ────────────────────────────────────────────────────────────

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type spinTickMsg struct{}

func spinTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg { return spinTickMsg{} })
}

// ── Messages ─────────────────────────────────────────────────────────────────

type mode int

const (
	modeDashboard mode = iota
	modeIndex
)

const maxActivity = 200

type (
	refreshMsg  struct{}
	activityMsg session.Activity
	indexMsg    []string
	errMsg      struct{ err error }
)

// Source is what the dashboard observes.
type Source interface {
	Status() session.Status
	Activity() <-chan session.Activity
}

// ── Model ─────────────────────────────────────────────────────────────────────

// Model is the BubbleTea application model.
type Model struct {
	src       Source
	status    session.Status
	activity  []session.Activity // newest first
	entries   []string
	filtered  []string
	loadedAt  time.Time
	input     textinput.Model
	cursor    int
	mode      mode
	err       error
	width     int
	height    int
	spinFrame int
}

// New creates a dashboard for src.
func New(src Source) Model {
	ti := textinput.New()
	ti.Placeholder = "filter index…"
	ti.CharLimit = 256
	ti.Width = 60
	ti.PromptStyle = sAccent
	ti.Prompt = "❯ "
	ti.TextStyle = lipgloss.NewStyle().Foreground(colorText)

	return Model{
		src:    src,
		status: src.Status(),
		input:  ti,
		mode:   modeDashboard,
	}
}

// Init is the BubbleTea init hook.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, spinTick(), refresh(), waitActivity(m.src.Activity()))
}

// Update processes messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = m.width - 8
		return m, nil

	case spinTickMsg:
		m.spinFrame = (m.spinFrame + 1) % len(spinnerFrames)
		return m, spinTick()

	case refreshMsg:
		m.status = m.src.Status()
		cmds := []tea.Cmd{refresh()}
		if !m.status.LastRebuild.IsZero() && m.status.LastRebuild.After(m.loadedAt) {
			m.loadedAt = m.status.LastRebuild
			cmds = append(cmds, loadIndex(m.status.Output))
		}
		return m, tea.Batch(cmds...)

	case activityMsg:
		m.activity = append([]session.Activity{session.Activity(msg)}, m.activity...)
		if len(m.activity) > maxActivity {
			m.activity = m.activity[:maxActivity]
		}
		return m, waitActivity(m.src.Activity())

	case indexMsg:
		m.entries = []string(msg)
		m.err = nil
		m.applyFilter()
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+q":
			return m, tea.Quit

		case "tab":
			if m.mode == modeDashboard {
				m.mode = modeIndex
				m.input.Focus()
			} else {
				m.mode = modeDashboard
				m.input.Blur()
			}
			return m, nil

		case "esc":
			m.input.SetValue("")
			m.applyFilter()
			m.err = nil
			return m, nil

		case "up", "ctrl+p":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case "down", "ctrl+n":
			if m.cursor < len(m.filtered)-1 {
				m.cursor++
			}
			return m, nil

		case "enter":
			if m.mode == modeIndex && len(m.filtered) > 0 {
				p := filepath.Join(m.status.IndexRoot, filepath.FromSlash(m.filtered[m.cursor]))
				return m, openInEditor(p)
			}
			return m, nil
		}
	}

	// Delegate to text input in index mode.
	if m.mode == modeIndex {
		prevVal := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if m.input.Value() != prevVal {
			m.applyFilter()
		}
		return m, cmd
	}

	return m, nil
}

// applyFilter keeps the entries containing every word of the filter.
func (m *Model) applyFilter() {
	words := strings.Fields(strings.ToLower(m.input.Value()))
	m.filtered = m.filtered[:0]
	for _, e := range m.entries {
		lower := strings.ToLower(e)
		keep := true
		for _, w := range words {
			if !strings.Contains(lower, w) {
				keep = false
				break
			}
		}
		if keep {
			m.filtered = append(m.filtered, e)
		}
	}
	m.cursor = clamp(m.cursor, 0, max(len(m.filtered)-1, 0))
}

// ── Views ─────────────────────────────────────────────────────────────────────

func (m Model) View() string {
	if m.width == 0 {
		return ""
	}
	var b strings.Builder
	divider := sDivider.Render(strings.Repeat("─", clamp(m.width-2, 10, 200)))

	fmt.Fprintln(&b, m.header())
	if m.mode == modeIndex {
		fmt.Fprintln(&b, "  "+m.input.View())
	}
	fmt.Fprintln(&b, "  "+divider)

	bodyHeight := m.height - 6
	if m.mode == modeIndex {
		m.renderIndex(&b, bodyHeight-1)
	} else {
		m.renderDashboard(&b, bodyHeight)
	}

	b.WriteString("\n  " + divider + "\n")
	m.renderStatusBar(&b)
	return b.String()
}

func (m Model) header() string {
	st := m.status
	target := sDim.Render("index only")
	if st.MirrorRoot != "" {
		target = sMuted.Render(filepath.Base(st.MirrorRoot))
	}
	left := "  " + sTitle.Render("mdmirror") + "  " + sMuted.Render(filepath.Base(st.Root)) + sDim.Render(" → ") + target

	var right string
	switch st.State {
	case session.Live:
		right = sGreen.Render("● live")
	case session.Stopped:
		right = sDim.Render("○ stopped")
	default:
		right = sAccent.Render(spinnerFrames[m.spinFrame]) + " " + sMuted.Render(st.State.String())
	}
	return padBetween(left, right, m.width)
}

func (m Model) renderDashboard(b *strings.Builder, maxRows int) {
	st := m.status
	stat := func(label string, v int) string {
		return sDim.Render(label+" ") + sCount.Render(fmt.Sprintf("%d", v))
	}
	failed := stat("failed", st.Failed)
	if st.Failed > 0 {
		failed = sDim.Render("failed ") + sErr.Render(fmt.Sprintf("%d", st.Failed))
	}
	fmt.Fprintln(b, "  "+strings.Join([]string{
		stat("copied", st.Copied+st.Synced.Copied),
		stat("deleted", st.Deleted),
		failed,
		stat("pending", st.Pending),
		stat("batches", st.Batches),
		stat("indexed", st.IndexEntries),
	}, "  "))

	rebuilt := "never"
	if !st.LastRebuild.IsZero() {
		rebuilt = st.LastRebuild.Format("15:04:05") + " (" + time.Since(st.LastRebuild).Round(time.Second).String() + " ago)"
	}
	line := sDim.Render("  index ") + sMuted.Render(st.Output) + sDim.Render("  rebuilt ") + sMuted.Render(rebuilt)
	fmt.Fprintln(b, line)
	if st.LastIndexErr != nil {
		fmt.Fprintln(b, sErr.Render("  index error: "+st.LastIndexErr.Error()))
	}
	fmt.Fprintln(b, "")

	if len(m.activity) == 0 {
		fmt.Fprintln(b, sMuted.Render("  Waiting for changes…"))
		return
	}
	rows := clamp(maxRows-3, 1, len(m.activity))
	for _, a := range m.activity[:rows] {
		op := sAccent.Render(fmt.Sprintf("%-10s", a.Op))
		if !a.OK {
			op = sErr.Render(fmt.Sprintf("%-10s", string(a.Op)+"!"))
		}
		fmt.Fprintf(b, "  %s  %s %s\n", sDim.Render(a.Time.Format("15:04:05")), op, styledPath(a.Path, a.Op == mirror.OpDeleteDir))
	}
}

func (m Model) renderIndex(b *strings.Builder, maxRows int) {
	if m.err != nil {
		fmt.Fprintln(b, sErr.Render("  error: "+m.err.Error()))
		return
	}
	if len(m.filtered) == 0 {
		fmt.Fprintln(b, "")
		if len(m.entries) == 0 {
			fmt.Fprintln(b, sMuted.Render("  The index is empty."))
		} else {
			fmt.Fprintln(b, sMuted.Render("  no entries match ")+sAccent.Render("\""+m.input.Value()+"\""))
		}
		return
	}

	maxRows = max(maxRows, 1)
	// Scroll so the cursor stays visible.
	start := 0
	if m.cursor >= maxRows {
		start = m.cursor - maxRows + 1
	}
	end := min(start+maxRows, len(m.filtered))
	for i := start; i < end; i++ {
		line := "  " + styledPath(m.filtered[i], false)
		if i == m.cursor {
			raw := "  " + m.filtered[i]
			pad := clamp(m.width-len(raw)-3, 0, m.width)
			line = sSel.Render(line + strings.Repeat(" ", pad))
		}
		fmt.Fprintln(b, line)
	}
	if end < len(m.filtered) {
		fmt.Fprintf(b, "  %s\n", sDim.Render(fmt.Sprintf("  … %d more", len(m.filtered)-end)))
	}
}

func styledPath(p string, dir bool) string {
	d, base := filepath.Split(filepath.FromSlash(p))
	if dir {
		base += "/"
	}
	return sDir.Render(d) + sPath.Render(base)
}

func (m Model) renderStatusBar(b *strings.Builder) {
	var left string
	switch {
	case m.err != nil:
		left = "  " + sErr.Render(m.err.Error())
	case m.mode == modeIndex:
		left = sGreen.Render(fmt.Sprintf("  %d/%d entries", len(m.filtered), len(m.entries)))
	default:
		left = sDim.Render(fmt.Sprintf("  %d entries", len(m.entries)))
	}

	hint := "tab index  ^q quit  "
	if m.mode == modeIndex {
		hint = "tab dashboard  esc clear  ↑↓ nav  enter open  ^q quit  "
	}
	fmt.Fprint(b, padBetween(left, sHint.Render(hint), m.width))
}

// ── Commands ──────────────────────────────────────────────────────────────────

func refresh() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(time.Time) tea.Msg { return refreshMsg{} })
}

func waitActivity(ch <-chan session.Activity) tea.Cmd {
	return func() tea.Msg {
		a, ok := <-ch
		if !ok {
			return nil
		}
		return activityMsg(a)
	}
}

func loadIndex(path string) tea.Cmd {
	return func() tea.Msg {
		entries, err := index.Read(path)
		if err != nil {
			return errMsg{err}
		}
		return indexMsg(entries)
	}
}

func openInEditor(path string) tea.Cmd {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		// Try common editors in order.
		for _, e := range []string{"nvim", "vim", "nano", "vi"} {
			if _, err := exec.LookPath(e); err == nil {
				editor = e
				break
			}
		}
	}
	if editor == "" {
		return func() tea.Msg { return errMsg{fmt.Errorf("no editor found, set $EDITOR")} }
	}

	c := exec.Command(editor, path)
	return tea.ExecProcess(c, func(err error) tea.Msg {
		if err != nil {
			return errMsg{err}
		}
		return nil
	})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// padBetween pads left and right strings to fill width.
func padBetween(left, right string, width int) string {
	lv := visibleLen(left)
	rv := visibleLen(right)
	gap := width - lv - rv - 2
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

// visibleLen estimates printable character count (strips common ANSI sequences).
func visibleLen(s string) int {
	n := 0
	inEsc := false
	for _, c := range s {
		if c == '\x1b' {
			inEsc = true
		}
		if inEsc {
			if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
				inEsc = false
			}
			continue
		}
		n++
	}
	return n
}
