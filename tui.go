package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"nasikh/session"
)

// TUI message types
type StateMsg struct {
	State  session.State
	Reason string
}
type LiveTextMsg struct {
	Text  string
	Final bool
}
type AudioLevelMsg struct{ Level float64 }
type ErrorMsg struct{ Text string }
type AuthRequiredMsg struct{}
type SilenceMsg struct{ Event SilenceEvent }
type ModeLineMsg struct{ Text string }   // protocol/language/injection info
type DeviceLineMsg struct{ Text string } // microphone device name
type tickMsg time.Time

const (
	panelWidth = 40
	meterWidth = 30
)

type tuiModel struct {
	state      session.State
	outcome    string // how the last session ended
	recStart   time.Time
	elapsed    float64
	audioLevel float64
	peakLevel  float64
	frame      int

	width, height int
	modeLine      string
	deviceLine    string

	text     string
	final    bool
	sessions int
	lastErr  string
	noVoice  bool
	needAuth bool

	entering bool
	input    []rune

	onCredential func(string)
	onDevice     func()
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
	liveStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	finalStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	meterOn     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	meterPeak   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	meterOff    = lipgloss.NewStyle().Foreground(lipgloss.Color("236"))
	statusStyle = map[session.State]lipgloss.Style{
		session.Idle:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		session.Starting:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		session.Recording: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		session.Stopping:  lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
	}
)

// NewTUIProgram builds the terminal UI. onCredential receives a key typed
// with ctrl+k; onDevice is called for ctrl+g.
func NewTUIProgram(onCredential func(string), onDevice func()) *tea.Program {
	m := tuiModel{onCredential: onCredential, onDevice: onDevice}
	return tea.NewProgram(m, tea.WithAltScreen())
}

// tuiSend forwards msg to the running TUI, if any.
func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.entering {
			return m.updateInput(msg)
		}
		switch msg.String() {
		case "ctrl+k":
			m.entering = true
			m.input = m.input[:0]
		case "ctrl+g":
			if m.onDevice != nil {
				m.onDevice()
			}
		}

	case tickMsg:
		m.frame++
		if m.state == session.Recording {
			m.elapsed = time.Since(m.recStart).Seconds()
		}
		return m, tuiTick()

	case StateMsg:
		switch msg.State {
		case session.Starting:
			m.text = ""
			m.final = false
			m.lastErr = ""
			m.noVoice = false
			m.outcome = ""
		case session.Recording:
			m.recStart = time.Now()
			m.elapsed = 0
			m.audioLevel = 0
			m.peakLevel = 0
			m.sessions++
		case session.Completed, session.Cancelled, session.Failed:
			m.outcome = msg.State.String()
			if msg.Reason != "" {
				m.outcome += " (" + msg.Reason + ")"
			}
		case session.Idle:
			m.audioLevel = 0
			m.noVoice = false
		}
		m.state = msg.State

	case AudioLevelMsg:
		if m.state == session.Recording {
			m.audioLevel = m.audioLevel*0.6 + msg.Level*0.4
			if msg.Level > m.peakLevel {
				m.peakLevel = msg.Level
			}
		}

	case LiveTextMsg:
		m.text = msg.Text
		m.final = msg.Final

	case ErrorMsg:
		m.lastErr = msg.Text

	case AuthRequiredMsg:
		m.needAuth = true

	case SilenceMsg:
		switch msg.Event {
		case SilenceWarn, SilenceRepeat:
			m.noVoice = true
		case SilenceWarnClear:
			m.noVoice = false
		}

	case ModeLineMsg:
		m.modeLine = msg.Text

	case DeviceLineMsg:
		m.deviceLine = msg.Text
	}
	return m, nil
}

func (m tuiModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.entering = false
		m.input = m.input[:0]
	case tea.KeyBackspace:
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
	case tea.KeyEnter:
		key := strings.TrimSpace(string(m.input))
		m.entering = false
		m.input = m.input[:0]
		if key == "" || m.onCredential == nil {
			return m, nil
		}
		m.needAuth = false
		submit := m.onCredential
		return m, func() tea.Msg {
			submit(key)
			return nil
		}
	case tea.KeyRunes:
		m.input = append(m.input, msg.Runes...)
	}
	return m, nil
}

func (m tuiModel) statusLine() string {
	style, ok := statusStyle[m.state]
	if !ok {
		style = statusStyle[session.Idle]
	}
	switch m.state {
	case session.Starting:
		return style.Render("◌ CONNECTING" + strings.Repeat(".", m.frame/4%4))
	case session.Recording:
		return style.Render(fmt.Sprintf("● REC %.1fs", m.elapsed))
	case session.Stopping:
		return style.Render("◍ FINISHING" + strings.Repeat(".", m.frame/4%4))
	}
	return style.Render("○ STANDBY")
}

func renderMeter(level, peak float64, width int) string {
	scale := func(v float64) int {
		n := int(v * 8 * float64(width))
		if n > width {
			n = width
		}
		return n
	}
	on := scale(level)
	p := scale(peak)
	var b strings.Builder
	for i := 0; i < width; i++ {
		switch {
		case i < on:
			b.WriteString(meterOn.Render("█"))
		case i == p-1:
			b.WriteString(meterPeak.Render("│"))
		default:
			b.WriteString(meterOff.Render("·"))
		}
	}
	return b.String()
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var info []string
	info = append(info, m.statusLine())
	if m.state == session.Recording {
		info = append(info, renderMeter(m.audioLevel, m.peakLevel, meterWidth))
		if m.noVoice || (m.elapsed > 1.0 && m.peakLevel < 0.02) {
			info = append(info, warnStyle.Render("  ⚠ no voice detected"))
		}
	} else {
		info = append(info, renderMeter(0, 0, meterWidth))
		if m.outcome != "" {
			info = append(info, dimStyle.Render("last: "+m.outcome))
		}
	}
	if m.modeLine != "" {
		info = append(info, lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render(m.modeLine))
	}
	if m.deviceLine != "" {
		info = append(info, dimStyle.Render(m.deviceLine))
	}
	if m.lastErr != "" {
		info = append(info, "", errStyle.Width(panelWidth-2).Render("✗ "+m.lastErr))
	}
	if m.needAuth {
		info = append(info, "", warnStyle.Render("API key required"))
	}
	if m.entering {
		info = append(info, "", "key: "+strings.Repeat("•", len(m.input))+"▏")
	}

	info = append(info, "")
	info = append(info, keyStyle.Render("Ctrl+Shift+Space")+helpStyle.Render(" hold to dictate"))
	info = append(info, keyStyle.Render("ctrl+k")+helpStyle.Render(" key  ")+keyStyle.Render("ctrl+g")+helpStyle.Render(" mic"))
	info = append(info, helpStyle.Render("nasikh "+version))

	left := lipgloss.NewStyle().
		Width(panelWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(strings.Join(info, "\n"))

	textWidth := m.width - panelWidth - 1
	if textWidth < 20 {
		textWidth = 20
	}

	var right strings.Builder
	switch {
	case m.text == "" && m.state.Active():
		right.WriteString(dimStyle.Render("Listening..."))
	case m.text == "":
		right.WriteString(dimStyle.Render("No transcriptions yet"))
	default:
		title := "Live transcript"
		style := liveStyle
		if m.final {
			title = fmt.Sprintf("Last transcription (#%d)", m.sessions)
			style = finalStyle
		}
		right.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("246")).Render(title))
		right.WriteString("\n\n")
		right.WriteString(style.Width(textWidth - 2).Render(m.text))
	}

	panel := lipgloss.NewStyle().
		Width(textWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(right.String())

	return lipgloss.JoinHorizontal(lipgloss.Top, left, panel)
}
