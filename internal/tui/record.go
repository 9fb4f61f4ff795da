// Package tui is the interactive terminal view for recording a voice note.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kalambet/voxnote/internal/pipeline"
)

// Capture is one recording. *pipeline.Capture satisfies it.
type Capture interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) (pipeline.Result, error)
	Cancel()
	Result() (pipeline.Result, bool)
	RetryPersist(ctx context.Context) (pipeline.Result, error)
}

// Model is the bubbletea model for the record screen.
type Model struct {
	ctx     context.Context
	capture Capture
	updates <-chan pipeline.Status

	state   pipeline.State
	partial string
	started time.Time
	now     time.Time
	busy    bool // a stop or retry is in flight

	result   *pipeline.Result
	errText  string
	quitting bool
}

// NewRecordModel returns a model that starts c when the program runs and
// follows its progress on updates, typically from Pipeline.Subscribe.
func NewRecordModel(ctx context.Context, c Capture, updates <-chan pipeline.Status) Model {
	return Model{
		ctx:     ctx,
		capture: c,
		updates: updates,
		state:   pipeline.StateIdle,
	}
}

// Result returns the settled result once the capture has finished.
func (m Model) Result() (pipeline.Result, bool) {
	if m.result == nil {
		return pipeline.Result{}, false
	}
	return *m.result, true
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(startCmd(m.ctx, m.capture), waitStatusCmd(m.updates))
}

func startCmd(ctx context.Context, c Capture) tea.Cmd {
	return func() tea.Msg {
		return startedMsg{err: c.Start(ctx)}
	}
}

func stopCmd(ctx context.Context, c Capture) tea.Cmd {
	return func() tea.Msg {
		res, err := c.Stop(ctx)
		return resultMsg{res: res, err: err}
	}
}

func retryCmd(ctx context.Context, c Capture) tea.Cmd {
	return func() tea.Msg {
		res, err := c.RetryPersist(ctx)
		return resultMsg{res: res, err: err}
	}
}

// cancelCmd cancels the capture. A capture that was recording settles at
// once; one that is already persisting reports through the pending stop.
func cancelCmd(c Capture) tea.Cmd {
	return func() tea.Msg {
		c.Cancel()
		if res, ok := c.Result(); ok {
			return resultMsg{res: res}
		}
		return nil
	}
}

func waitStatusCmd(updates <-chan pipeline.Status) tea.Cmd {
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		st, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return statusMsg(st)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case startedMsg:
		if msg.err != nil {
			// Start settles the capture as failed.
			if res, ok := m.capture.Result(); ok {
				return m.settle(res)
			}
			m.errText = pipeline.Notice(msg.err)
			return m, tea.Quit
		}
		m.state = pipeline.StateRecording
		m.started = time.Now()
		m.now = m.started
		return m, tickCmd()

	case statusMsg:
		if msg.SessionID == m.capture.ID() && m.result == nil {
			m.applyStatus(pipeline.Status(msg))
		}
		return m, waitStatusCmd(m.updates)

	case updatesClosedMsg:
		m.updates = nil
		return m, nil

	case tickMsg:
		if m.state != pipeline.StateRecording {
			return m, nil
		}
		m.now = time.Time(msg)
		return m, tickCmd()

	case resultMsg:
		m.busy = false
		if msg.err != nil {
			// ErrInvalidState: the capture already moved on.
			if res, ok := m.capture.Result(); ok {
				return m.settle(res)
			}
			return m, nil
		}
		return m.settle(msg.res)
	}

	return m, nil
}

func (m *Model) applyStatus(st pipeline.Status) {
	if st.State == pipeline.StateSettled {
		return
	}
	if st.State == pipeline.StateRecording && st.Partial != "" {
		m.partial = st.Partial
	}
	m.state = st.State
}

// settle records the terminal result. Only a capture that can retry its
// write stays open; everything else quits after the final frame.
func (m Model) settle(res pipeline.Result) (tea.Model, tea.Cmd) {
	m.result = &res
	m.state = pipeline.StateSettled
	m.errText = ""
	if res.IsRetryable() {
		return m, nil
	}
	m.quitting = true
	return m, tea.Quit
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter", " ":
		if m.state == pipeline.StateRecording && !m.busy {
			m.busy = true
			m.state = pipeline.StateTranscribing
			return m, stopCmd(m.ctx, m.capture)
		}

	case "esc":
		if m.result == nil {
			return m, cancelCmd(m.capture)
		}

	case "r":
		if m.result != nil && m.result.IsRetryable() && !m.busy {
			m.busy = true
			m.state = pipeline.StatePersisting
			m.result = nil
			return m, retryCmd(m.ctx, m.capture)
		}

	case "q", "ctrl+c":
		if m.result == nil {
			m.capture.Cancel()
		}
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("voxnote"))
	b.WriteString("  ")
	b.WriteString(m.stateLine())
	b.WriteString("\n\n")

	if m.partial != "" {
		b.WriteString(boxStyle.Render(partialStyle.Render(m.partial)))
		b.WriteString("\n\n")
	}

	if m.result != nil {
		b.WriteString(m.resultView())
		b.WriteString("\n")
	} else if m.errText != "" {
		b.WriteString(errorStyle.Render(m.errText))
		b.WriteString("\n")
	}

	if !m.quitting {
		b.WriteString("\n")
		b.WriteString(helpStyle.Render(m.help()))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) stateLine() string {
	switch m.state {
	case pipeline.StateIdle:
		return stateStyle.Render("starting...")
	case pipeline.StateRecording:
		return recordingDotStyle.Render("●") + " " + stateStyle.Render("recording") + " " + formatElapsed(m.now.Sub(m.started))
	case pipeline.StateSettled:
		return ""
	default:
		return stateStyle.Render(string(m.state) + "...")
	}
}

func (m Model) resultView() string {
	res := m.result
	switch res.Outcome {
	case pipeline.OutcomeSuccess:
		line := successStyle.Render(res.Message)
		if res.Note != nil {
			line += fmt.Sprintf(" %s [%s]", res.Note.Title, res.Note.Category)
			if len(res.Note.Tags) > 0 {
				line += " #" + strings.Join(res.Note.Tags, " #")
			}
		}
		return line
	case pipeline.OutcomeAborted:
		return stateStyle.Render(res.Message)
	default:
		return errorStyle.Render(res.Message)
	}
}

func (m Model) help() string {
	switch {
	case m.result != nil && m.result.IsRetryable():
		return "r retry save • q quit"
	case m.state == pipeline.StateRecording:
		return "enter stop • esc cancel • q quit"
	default:
		return "esc cancel • q quit"
	}
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
