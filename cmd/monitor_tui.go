// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/packwatch/pkg/monitor"
	"github.com/Thermoquad/packwatch/pkg/sink"
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

const maxEventLogEntries = 8

// eventLogEntry is one line of the event log
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

type monitorKeyMap struct {
	Start key.Binding
	Stop  key.Binding
	Quit  key.Binding
}

func (k monitorKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Start, k.Stop, k.Quit}
}

func (k monitorKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var monitorKeys = monitorKeyMap{
	Start: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start charge")),
	Stop:  key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop charge")),
	Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// monitorModel is the Bubble Tea model for the monitor TUI
type monitorModel struct {
	controls sink.Controls
	connInfo string
	frames   func() uint64

	// Charge progress
	duration    time.Duration
	charging    bool
	chargeStart time.Time

	// Latest controller output
	page    monitor.Page
	summary *monitor.SummaryUpdate
	detail  *monitor.DetailUpdate
	reason  string

	eventLog []eventLogEntry

	spinner  spinner.Model
	socBar   progress.Model
	timeBar  progress.Model
	help     help.Model
	keys     monitorKeyMap
	width    int
	height   int
	quitting bool

	connectionLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type monitorTickMsg time.Time

type pageMsg monitor.PageChange

type summaryMsg monitor.SummaryUpdate

type detailMsg monitor.DetailUpdate

type connectionLostMsg struct{}

type reconnectedMsg struct {
	connInfo string
}

// tuiDisplay forwards controller output to the running program
type tuiDisplay struct {
	p *tea.Program
}

func (d *tuiDisplay) ShowPage(p monitor.PageChange)         { d.p.Send(pageMsg(p)) }
func (d *tuiDisplay) UpdateSummary(s monitor.SummaryUpdate) { d.p.Send(summaryMsg(s)) }
func (d *tuiDisplay) UpdateDetail(u monitor.DetailUpdate)   { d.p.Send(detailMsg(u)) }

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func newMonitorModel(controls sink.Controls, connInfo string, duration time.Duration, frames func() uint64) monitorModel {
	return monitorModel{
		controls: controls,
		connInfo: connInfo,
		frames:   frames,
		duration: duration,
		page:     monitor.PageWait,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("11"))),
		),
		socBar:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		timeBar: progress.New(progress.WithSolidFill("12"), progress.WithWidth(30)),
		help:    help.New(),
		keys:    monitorKeys,
		width:   80,
		height:  24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, monitorTickCmd())
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Start):
			m.addLogEntry("Start requested", false)
			m.controls.RequestStart()
		case key.Matches(msg, m.keys.Stop):
			m.addLogEntry("Stop requested", false)
			m.controls.RequestStop()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case monitorTickMsg:
		return m, monitorTickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case pageMsg:
		m.page = msg.Page
		if msg.Page == monitor.PageWait {
			m.summary, m.detail = nil, nil
			m.charging = false
			m.addLogEntry("Waiting for battery", false)
		}

	case summaryMsg:
		s := monitor.SummaryUpdate(msg)
		if s.Charging && !m.charging {
			m.chargeStart = s.At
		}
		m.charging = s.Charging
		if s.Reason != "" && s.Reason != m.reason {
			m.addLogEntry(s.Reason, strings.HasPrefix(s.Reason, "Stopped"))
		}
		m.reason = s.Reason
		m.summary = &s

	case detailMsg:
		d := monitor.DetailUpdate(msg)
		m.detail = &d

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry("Connection lost - reconnecting...", true)

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.addLogEntry("Reconnected", false)
	}

	return m, nil
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.eventLog) > maxEventLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-maxEventLogEntries:]
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// rgb565 converts a display color to a terminal color
func rgb565(c uint16) lipgloss.Color {
	r := uint32(c>>11&0x1F) * 255 / 31
	g := uint32(c>>5&0x3F) * 255 / 63
	b := uint32(c&0x1F) * 255 / 31
	return lipgloss.Color(fmt.Sprintf("#%02X%02X%02X", r, g, b))
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	s.WriteString(titleStyle.Render("PACKWATCH"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	frames := uint64(0)
	if m.frames != nil {
		frames = m.frames()
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %d frames", connStatus, frames)))
	s.WriteString("\n\n")

	if m.page == monitor.PageWait || m.summary == nil {
		s.WriteString(boxStyle.Width(m.width - 4).Render(
			fmt.Sprintf("%s %s", m.spinner.View(), warningStyle.Render("Waiting for battery..."))))
	} else {
		left := m.renderSummary()
		right := m.renderDetail()
		s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
		s.WriteString("\n")
		s.WriteString(m.renderCharge())
	}
	s.WriteString("\n\n")

	s.WriteString(m.renderEventLog())
	s.WriteString("\n")
	s.WriteString(m.help.View(m.keys))
	return s.String()
}

func (m monitorModel) renderSummary() string {
	sum := m.summary
	var c strings.Builder

	typeStyle := lipgloss.NewStyle().Bold(true).Foreground(rgb565(sum.TypeColor))
	fmt.Fprintf(&c, "%s %s (%s)\n", labelStyle.Render("Battery:"), typeStyle.Render(sum.TypeLabel), sum.Family)
	fmt.Fprintf(&c, "%s %s\n", labelStyle.Render("Pack:   "), valueStyle.Render(fmt.Sprintf("%.2fV", sum.PackVoltage)))
	fmt.Fprintf(&c, "%s %s\n", labelStyle.Render("SOC:    "), m.socBar.ViewAs(float64(sum.SOC)/100))
	fmt.Fprintf(&c, "%s %s\n", labelStyle.Render("Status: "), sum.Status)

	fault := valueStyle.Render(sum.Fault)
	if sum.WarnIcon {
		fault = errorStyle.Render("⚠ " + sum.Fault)
	}
	fmt.Fprintf(&c, "%s %s\n", labelStyle.Render("Fault:  "), fault)
	if sum.Severity != "" {
		fmt.Fprintf(&c, "         %s %s\n", sum.Severity, headerStyle.Render(sum.Domains))
	}

	recoveryStyle := lipgloss.NewStyle().Foreground(rgb565(sum.RecoveryColor))
	fmt.Fprintf(&c, "%s %s", labelStyle.Render("Recovery:"), recoveryStyle.Render(sum.Recovery))

	return boxStyle.Width(44).Render(c.String())
}

func (m monitorModel) renderDetail() string {
	var c strings.Builder
	c.WriteString(labelStyle.Render("DETAIL"))
	c.WriteString("\n")

	d := m.detail
	if d == nil {
		c.WriteString(headerStyle.Render("(no data yet)"))
		return boxStyle.Width(40).Render(c.String())
	}

	fmt.Fprintf(&c, "Cells:   %.3fV / %.3fV (avg %.3fV)\n", d.HighCell, d.LowCell, d.AvgCell)
	fmt.Fprintf(&c, "Temps:   %.1f°C / %.1f°C\n", d.TempHigh, d.TempLow)
	fmt.Fprintf(&c, "Current: %.1fA\n", d.Current)
	fmt.Fprintf(&c, "Fan:     %d rpm\n", d.FanRPM)
	fmt.Fprintf(&c, "State:   %s\n", d.State)
	fmt.Fprintf(&c, "Serial:  %s\n", d.Serial)
	fmt.Fprintf(&c, "Firmware: %s", d.Firmware)
	return boxStyle.Width(40).Render(c.String())
}

func (m monitorModel) renderCharge() string {
	var c strings.Builder
	c.WriteString(labelStyle.Render("CHARGE "))

	if !m.charging {
		c.WriteString(headerStyle.Render("idle"))
		if m.reason != "" {
			fmt.Fprintf(&c, "  %s", m.reason)
		}
		return boxStyle.Width(m.width - 4).Render(c.String())
	}

	elapsed := time.Since(m.chargeStart)
	pct := 0.0
	if m.duration > 0 {
		pct = min(float64(elapsed)/float64(m.duration), 1)
	}
	fmt.Fprintf(&c, "%s %s %s / %s",
		valueStyle.Render("charging"),
		m.timeBar.ViewAs(pct),
		elapsed.Round(time.Second),
		m.duration)
	return boxStyle.Width(m.width - 4).Render(c.String())
}

func (m monitorModel) renderEventLog() string {
	var c strings.Builder
	c.WriteString(labelStyle.Render("EVENTS"))
	if len(m.eventLog) == 0 {
		c.WriteString("\n")
		c.WriteString(headerStyle.Render("(none)"))
	}
	for _, e := range m.eventLog {
		line := fmt.Sprintf("[%s] %s", e.timestamp.Format("15:04:05"), e.message)
		if e.isError {
			line = errorStyle.Render(line)
		}
		c.WriteString("\n")
		c.WriteString(line)
	}
	return boxStyle.Width(m.width - 4).Render(c.String())
}
