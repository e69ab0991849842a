package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"go.bug.st/serial"

	"rosarm/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type SetupCommand struct{}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Rosarm Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━"))
	fmt.Println()

	// Step 1: Find the arm
	config := robot.DefaultConfig()
	config.Calibration = robot.DefaultCalibration()
	board := findBoard(config)

	config.Port = board.port
	config.FirmwareVersion = board.version

	// Step 2: Review joint readings with torque off
	fmt.Println()
	fmt.Println(subHeaderStyle.Render("━━━ Checking Joint Feedback ━━━"))
	fmt.Println()
	reviewJoints(config)

	if err := config.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", robot.DefaultConfigFile)
	fmt.Println()
	fmt.Println("Start teleoperation with: " + headerStyle.Render("rosarm teleoperate"))

	return nil
}

type boardInfo struct {
	port    string
	version string
}

func findBoard(config *robot.Config) boardInfo {
	fmt.Println("Scanning for Rosmaster boards...")
	fmt.Println()

	boards := probePorts(config)

	if len(boards) == 0 {
		fmt.Println("No Rosmaster board found.")
		fmt.Println("Make sure the arm is connected and powered on.")
		os.Exit(1)
	}

	if len(boards) == 1 {
		board := boards[0]
		fmt.Println()
		fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━"))
		fmt.Println(successStyle.Render("Board identified:"))
		fmt.Printf("  Port:     %s\n", board.port)
		fmt.Printf("  Firmware: %s\n", board.version)
		return board
	}

	// Multiple candidates: beep each and ask
	fmt.Printf("Found %d board(s). Let's identify the arm...\n", len(boards))

	for _, board := range boards {
		if beepAndConfirm(config, board) {
			return board
		}
	}

	fmt.Println()
	fmt.Println("No board selected.")
	os.Exit(1)
	return boardInfo{}
}

func probePorts(config *robot.Config) []boardInfo {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}

	var boards []boardInfo

	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}

		bus, err := robot.Open(robot.BusConfig{
			Port:        port,
			Calibration: config.Calibration,
		})
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		version, err := bus.FirmwareVersion(ctx)
		cancel()
		bus.Close()

		if err != nil {
			continue
		}

		fmt.Printf("  Found Rosmaster board on %s (firmware %s)\n", port, version)
		boards = append(boards, boardInfo{port: port, version: version})
	}

	return boards
}

func beepAndConfirm(config *robot.Config, board boardInfo) bool {
	bus, err := robot.Open(robot.BusConfig{
		Port:        board.port,
		Calibration: config.Calibration,
	})
	if err != nil {
		return false
	}

	fmt.Printf("\n  Beeping board on %s...\n", board.port)
	bus.Beep(300 * time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	bus.Close()

	var isArm bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Did the arm on %s just beep?", board.port)).
				Affirmative("Yes, that's it").
				Negative("No, try next").
				Value(&isArm),
		),
	)

	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}

	return isArm
}

func reviewJoints(config *robot.Config) {
	arm, err := robot.Connect(robot.BusConfig{
		Port:        config.Port,
		Calibration: config.Calibration,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to arm: %v\n", err)
		os.Exit(1)
	}
	defer arm.Close()

	// Release torque so the user can move the arm by hand
	if err := arm.SetTorque(false); err != nil {
		fmt.Fprintf(os.Stderr, "Error releasing torque: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(subHeaderStyle.Render("Verify joint feedback"))
	fmt.Println("Move each joint by hand and check that the angles track.")
	fmt.Println()

	limits := config.Calibration.Limits()

	model := newPoseModel(arm, limits)
	p := tea.NewProgram(model)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running joint check: %v\n", err)
		os.Exit(1)
	}

	// Hold the arm again before handing off
	if err := arm.SetTorque(true); err != nil {
		fmt.Fprintf(os.Stderr, "Error re-enabling torque: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("Joint feedback verified.")
}

// Live pose table
type poseModel struct {
	arm       *robot.Arm
	limits    map[robot.JointID]robot.Limits
	positions map[robot.JointID]float64
	readErrs  int
	quitting  bool
}

type tickMsg time.Time

func newPoseModel(arm *robot.Arm, limits map[robot.JointID]robot.Limits) poseModel {
	return poseModel{
		arm:       arm,
		limits:    limits,
		positions: make(map[robot.JointID]float64),
	}
}

func (m poseModel) Init() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m poseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		positions, err := m.arm.GetObservation(ctx)
		cancel()
		if err != nil {
			m.readErrs++
		} else {
			m.readErrs = 0
			for j, pos := range positions {
				m.positions[j] = pos
			}
		}
		return m, tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
			return tickMsg(t)
		})
	}

	return m, nil
}

func (m poseModel) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableJointStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableAngleStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)

	rows := make([][]string, 0, robot.NumJoints)
	for _, j := range robot.Joints() {
		lim := m.limits[j]
		angle := "-"
		if pos, ok := m.positions[j]; ok {
			angle = fmt.Sprintf("%.1f°", pos)
		}
		rows = append(rows, []string{
			j.Name(),
			angle,
			fmt.Sprintf("%.0f°", lim.MinDeg),
			fmt.Sprintf("%.0f°", lim.MaxDeg),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Joint", "Angle", "Min", "Max").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableJointStyle
			case 1:
				return tableAngleStyle
			default:
				return tableCellStyle
			}
		})

	sb.WriteString(t.Render())
	sb.WriteString("\n")
	if m.readErrs > 0 {
		sb.WriteString(fmt.Sprintf("(no feedback, %d failed reads)\n", m.readErrs))
	}
	sb.WriteString("\n")
	sb.WriteString(dimStyle.Render("Press Enter when done"))

	return sb.String()
}
