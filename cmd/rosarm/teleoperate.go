package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"rosarm/pkg/robot"
	"rosarm/pkg/teleop"
)

type TeleoperateCommand struct {
	Port string `long:"port" description:"Serial port (overrides config file)"`
	Hz   int    `long:"hz" description:"Control loop frequency (overrides config file)"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	statusHeight = 2 // lock/torque status + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Joint colors - distinct colors for each joint
var jointColors = map[robot.JointID]string{
	robot.Base:       "196", // red
	robot.Shoulder:   "208", // orange
	robot.Elbow:      "226", // yellow
	robot.WristPitch: "46",  // green
	robot.WristRoll:  "51",  // cyan
	robot.Gripper:    "201", // magenta
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	lockedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
)

type teleopModel struct {
	ctrl     *teleop.Controller
	chart    *streamlinechart.Model
	width    int      // terminal width
	height   int      // terminal height
	logs     []string // last N log messages
	last     teleop.State
	quitting bool
}

func (m *teleopModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// Messages from the controller
type stateMsg teleop.State
type logMsg string

func waitForState(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *teleopModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - statusHeight - footerHeight - borderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func (m *teleopModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func initialTeleopModel(ctrl *teleop.Controller) teleopModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(0, 270),
	)

	// Set up data set styles for each joint
	for _, j := range robot.Joints() {
		color := jointColors[j]
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(color))
		chart.SetDataSetStyles(j.Name(), runes.ThinLineStyle, style)
	}

	return teleopModel{
		ctrl:  ctrl,
		chart: &chart,
	}
}

func (m teleopModel) Init() tea.Cmd {
	// Start listening for state and log updates
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
	)
}

func (m teleopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		key := teleop.Key(msg.String())
		switch key {
		case "ctrl+c":
			// Hard quit still leaves the hardware safe via the
			// controller's context cancellation.
			m.quitting = true
			return m, tea.Quit
		case teleop.KeyDisconnect:
			m.ctrl.Push(teleop.KeyEvent{Key: teleop.KeyDisconnect, Pressed: true})
			m.quitting = true
			return m, tea.Quit
		}
		if teleop.IsControlKey(key) {
			// Terminals report no key-up, so forward each keystroke as
			// a tap; the controller debounces to one step per tick.
			m.ctrl.Push(teleop.KeyEvent{Key: key, Pressed: true})
			m.ctrl.Push(teleop.KeyEvent{Key: key, Pressed: false})
		}
		return m, nil

	case stateMsg:
		m.last = teleop.State(msg)
		positions := m.last.Observed
		if positions == nil {
			positions = m.last.Target
		}
		for j, pos := range positions {
			m.chart.PushDataSet(j.Name(), pos)
		}
		m.chart.DrawAll()
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)
	}

	return m, nil
}

func (m teleopModel) View() string {
	if m.quitting {
		return "Teleoperation stopped.\n"
	}

	var sb strings.Builder

	// Header
	sb.WriteString(titleStyle.Render("Rosmaster Teleoperate"))
	sb.WriteString(fmt.Sprintf(" - %d Hz", m.ctrl.Hz()))
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n\n")

	// Chart
	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	// Legend
	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	// Status
	sb.WriteString(renderStatus(m.last))
	sb.WriteString("\n\n")

	// Log box
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(m.width - 4).
		Foreground(lipgloss.Color("9")) // bright red

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("space: unlock  z/x: torque  q/a w/s e/d r/f t/g y/h: joints  esc: quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderStatus(s teleop.State) string {
	var parts []string

	if s.Locked {
		parts = append(parts, lockedStyle.Render("LOCKED"))
	} else {
		parts = append(parts, activeStyle.Render("unlocked"))
	}
	if s.TorqueOn {
		parts = append(parts, activeStyle.Render("torque on"))
	} else {
		parts = append(parts, lockedStyle.Render("torque off (hand-posable)"))
	}
	if s.Degraded {
		parts = append(parts, lockedStyle.Render("DEGRADED LINK"))
	}

	return strings.Join(parts, statusStyle.Render("  |  "))
}

func renderLegend() string {
	var items []string
	for _, j := range robot.Joints() {
		color := jointColors[j]
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(true)
		item := colorStyle.Render("━━") + " " + j.Name()
		items = append(items, item)
	}
	return strings.Join(items, "  ")
}

func (c *TeleoperateCommand) Execute(args []string) error {
	cfg, err := robot.LoadConfig()
	if err != nil {
		if c.Port == "" {
			fmt.Fprintln(os.Stderr, "No configuration found. Run 'rosarm setup' first,")
			fmt.Fprintln(os.Stderr, "or specify a port with --port.")
			os.Exit(1)
		}
		cfg = robot.DefaultConfig()
	}
	if c.Port != "" {
		cfg.Port = c.Port
	}
	if c.Hz > 0 {
		cfg.TickHz = c.Hz
	}

	arm, err := robot.Connect(robot.BusConfig{
		Port:            cfg.Port,
		Calibration:     cfg.Calibration,
		ChangeThreshold: cfg.ThresholdDeg,
		MinInterval:     time.Duration(cfg.MinIntervalMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("Failed to connect to arm: %v", err)
	}

	var limits map[robot.JointID]robot.Limits
	if cfg.Calibration != nil {
		limits = cfg.Calibration.Limits()
	}
	ctrl := teleop.NewController(arm, teleop.Config{
		Hz:          cfg.TickHz,
		StepDegrees: cfg.StepDegrees,
		Limits:      limits,
	})
	defer ctrl.Close()

	// Start controller in background
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := ctrl.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("Controller error: %v", err)
		}
	}()

	// Run TUI
	p := tea.NewProgram(initialTeleopModel(ctrl), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}

	return nil
}
