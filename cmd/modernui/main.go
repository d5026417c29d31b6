package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/CK6170/fruitell-go/capture"
	"github.com/CK6170/fruitell-go/echo"
	"github.com/CK6170/fruitell-go/models"
	"github.com/CK6170/fruitell-go/protocol"
	serialpkg "github.com/CK6170/fruitell-go/serial"
	"github.com/CK6170/fruitell-go/store"
	"github.com/CK6170/fruitell-go/train"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type screen int

const (
	screenEntry screen = iota
	screenCapture
	screenTrain
	screenTest
	screenProgram
)

type modeStatus int

const (
	statusIdle modeStatus = iota
	statusRunning
	statusDone
	statusError
)

type model struct {
	scr screen

	// entry
	configInput textinput.Model
	csvInput    textinput.Model
	spin        spinner.Model
	connecting  bool

	configPath string
	params     *models.PARAMETERS

	dev      *serialpkg.Session
	lastErr  error
	infoLine string

	// capture state
	capStatus modeStatus
	capKeys   chan rune
	capEvents chan capture.Update
	capLast   *capture.Update
	capSaved  int
	capRunID  int

	// train state
	trainStatus modeStatus
	trainOut    *trainOutcome

	// test state
	testStatus modeStatus
	testEvents chan capture.TestUpdate
	testLast   *capture.TestUpdate
	testRunID  int

	// program state
	progStatus modeStatus
	progEvents chan capture.ProgramUpdate
	progSent   int
	progTotal  int
	progLines  []string
	progRunID  int

	// cancellation for long-running mode work
	modeCtx    context.Context
	modeCancel context.CancelFunc
}

type trainOutcome struct {
	rows     int
	fitted   train.FittedModel
	accuracy float64
	line     string
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

func initialModel() model {
	in := textinput.New()
	in.Placeholder = "Path to config.json (blank = autodetect port)"
	in.Focus()
	in.CharLimit = 512
	in.Width = 60

	ci := textinput.New()
	ci.Placeholder = "Path to samples CSV"
	ci.CharLimit = 512
	ci.Width = 60

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := model{
		scr:         screenEntry,
		configInput: in,
		csvInput:    ci,
		spin:        sp,
	}
	// support passing config path as arg
	if len(os.Args) > 1 && strings.TrimSpace(os.Args[1]) != "" {
		m.configInput.SetValue(os.Args[1])
		m.configInput.CursorEnd()
	}
	return m
}

type errMsg struct{ err error }
type infoMsg struct{ s string }
type connectedMsg struct {
	dev        *serialpkg.Session
	params     *models.PARAMETERS
	configPath string
}
type disconnectedMsg struct{}

type capEventMsg struct {
	runID int
	u     capture.Update
}
type capClosedMsg struct{ runID int }
type capDoneMsg struct {
	runID int
	saved int
	path  string
	err   error
}

type trainDoneMsg struct {
	out *trainOutcome
	err error
}

type testEventMsg struct {
	runID int
	u     capture.TestUpdate
}
type testClosedMsg struct{ runID int }
type testDoneMsg struct {
	runID int
	err   error
}

type progEventMsg struct {
	runID int
	u     capture.ProgramUpdate
}
type progClosedMsg struct{ runID int }
type progDoneMsg struct {
	runID int
	sent  int
	err   error
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.disconnect()
			return m, tea.Quit
		}

		switch m.scr {
		case screenEntry:
			return m.updateEntryKey(msg)
		case screenCapture:
			return m.updateCaptureKey(msg)
		case screenTrain:
			return m.updateTrainKey(msg)
		case screenTest:
			return m.updateTestKey(msg)
		case screenProgram:
			return m.updateProgramKey(msg)
		}

	case spinner.TickMsg:
		if !m.connecting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case errMsg:
		m.lastErr = msg.err
		m.connecting = false
		switch m.scr {
		case screenCapture:
			m.capStatus = statusError
		case screenTrain:
			m.trainStatus = statusError
		case screenTest:
			m.testStatus = statusError
		case screenProgram:
			m.progStatus = statusError
		}
		return m, nil

	case infoMsg:
		m.infoLine = msg.s
		return m, nil

	case connectedMsg:
		m.connecting = false
		m.dev = msg.dev
		m.params = msg.params
		m.configPath = msg.configPath
		m.csvInput.SetValue(msg.params.DATA)
		m.infoLine = fmt.Sprintf("Connected to %s @ %d", msg.params.SERIAL.PORT, msg.params.SERIAL.BAUDRATE)
		m.lastErr = nil
		return m, nil

	case disconnectedMsg:
		m.dev = nil
		m.infoLine = "Disconnected"
		return m, nil

	case capEventMsg:
		if msg.runID != m.capRunID {
			return m, nil
		}
		u := msg.u
		m.capLast = &u
		m.capSaved = u.Saved
		return m, waitCapEvent(msg.runID, m.capEvents)

	case capClosedMsg:
		return m, nil

	case capDoneMsg:
		if msg.runID != m.capRunID {
			return m, nil
		}
		if msg.err != nil {
			m.capStatus = statusError
			m.lastErr = msg.err
			return m, nil
		}
		m.capStatus = statusDone
		m.capSaved = msg.saved
		m.infoLine = fmt.Sprintf("[saved] %s (%d rows)", msg.path, msg.saved)
		return m, nil

	case trainDoneMsg:
		if m.scr != screenTrain {
			return m, nil
		}
		if msg.err != nil {
			m.trainStatus = statusError
			m.lastErr = msg.err
			return m, nil
		}
		m.trainStatus = statusDone
		m.trainOut = msg.out
		return m, nil

	case testEventMsg:
		if msg.runID != m.testRunID {
			return m, nil
		}
		u := msg.u
		m.testLast = &u
		return m, waitTestEvent(msg.runID, m.testEvents)

	case testClosedMsg:
		return m, nil

	case testDoneMsg:
		if msg.runID != m.testRunID {
			return m, nil
		}
		if msg.err != nil {
			m.testStatus = statusError
			m.lastErr = msg.err
			return m, nil
		}
		m.testStatus = statusIdle
		return m, nil

	case progEventMsg:
		if msg.runID != m.progRunID {
			return m, nil
		}
		u := msg.u
		switch u.Phase {
		case capture.ProgramSending:
			m.progSent = u.Sent
			m.progTotal = u.Total
		case capture.ProgramReport, capture.ProgramStatus:
			m.progLines = append(m.progLines, u.Line)
			if len(m.progLines) > 12 {
				m.progLines = m.progLines[len(m.progLines)-12:]
			}
		}
		return m, waitProgEvent(msg.runID, m.progEvents)

	case progClosedMsg:
		return m, nil

	case progDoneMsg:
		if msg.runID != m.progRunID {
			return m, nil
		}
		if msg.err != nil {
			m.progStatus = statusError
			m.lastErr = msg.err
			return m, nil
		}
		m.progStatus = statusDone
		m.progSent = msg.sent
		m.infoLine = fmt.Sprintf("Sent rows: %d", msg.sent)
		return m, nil
	}

	// default: let inputs update
	switch m.scr {
	case screenEntry:
		var cmd tea.Cmd
		m.configInput, cmd = m.configInput.Update(msg)
		return m, cmd
	case screenTrain, screenProgram:
		var cmd tea.Cmd
		m.csvInput, cmd = m.csvInput.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Fruitell Trainer") + "\n")
	b.WriteString(helpStyle.Render("Ctrl+C to quit. 'b' to go back from a mode.") + "\n\n")
	if m.infoLine != "" {
		b.WriteString(okStyle.Render(m.infoLine) + "\n")
	}
	if m.lastErr != nil {
		b.WriteString(errStyle.Render("Error: "+m.lastErr.Error()) + "\n")
	}
	b.WriteString("\n")

	switch m.scr {
	case screenEntry:
		b.WriteString(m.viewEntry())
	case screenCapture:
		b.WriteString(m.viewCapture())
	case screenTrain:
		b.WriteString(m.viewTrain())
	case screenTest:
		b.WriteString(m.viewTest())
	case screenProgram:
		b.WriteString(m.viewProgram())
	}
	return b.String()
}

func (m model) viewEntry() string {
	var b strings.Builder
	b.WriteString("Config JSON:\n")
	b.WriteString(m.configInput.View() + "\n\n")
	if m.connecting {
		b.WriteString(m.spin.View() + " Opening port (the board resets on connect)...\n")
		return b.String()
	}
	if m.dev == nil {
		b.WriteString(helpStyle.Render("Enter a config path then press Enter to connect. Blank connects with defaults.") + "\n")
		return b.String()
	}
	b.WriteString(okStyle.Render("Connected.") + "\n")
	if m.configPath != "" {
		b.WriteString(helpStyle.Render("Config: "+m.configPath) + "\n")
	}
	b.WriteString("\nSelect mode:\n")
	b.WriteString("  1) Capture (label live readings)\n")
	b.WriteString("  2) Train (fit from CSV)\n")
	b.WriteString("  3) Test (live freshness)\n")
	b.WriteString("  4) Program (upload CSV to device)\n\n")
	b.WriteString(helpStyle.Render("Press 1/2/3/4 to start. Press d to disconnect.") + "\n")
	return b.String()
}

func (m model) viewCapture() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Capture") + "\n\n")
	if m.dev == nil {
		b.WriteString(errStyle.Render("Not connected.") + "\n")
		return b.String()
	}
	switch m.capStatus {
	case statusIdle:
		b.WriteString(helpStyle.Render("Press Enter to start streaming. f=fresh s=spoiled q=finish.") + "\n")
	case statusRunning:
		if m.capLast == nil {
			b.WriteString("Waiting for telemetry...\n")
		} else {
			u := *m.capLast
			switch u.Phase {
			case capture.PhaseNoData:
				b.WriteString(errStyle.Render("(no data) Is the device RUNNING? Press the toggle button.") + "\n")
			default:
				r := u.Record
				b.WriteString(fmt.Sprintf("E=%7.2fus  MAD=%6.2f  x=%.3f  conf~%5.1f%%  F=%.0f  S=%.0f\n",
					r.EchoUS, r.MADUS, u.Scaled, u.Conf, r.FreshAnchor, r.SpoilAnchor))
			}
		}
		b.WriteString(fmt.Sprintf("\nsaved: %d\n\n", m.capSaved))
		b.WriteString(helpStyle.Render("f=fresh  s=spoiled  q=finish  b=back (also finishes)") + "\n")
	case statusDone:
		b.WriteString(okStyle.Render(fmt.Sprintf("Capture finished, %d samples saved.", m.capSaved)) + "\n\n")
		b.WriteString(helpStyle.Render("Press Enter to capture again or b to go back.") + "\n")
	default:
		b.WriteString(helpStyle.Render("Press b to go back.") + "\n")
	}
	return b.String()
}

func (m model) viewTrain() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Train") + "\n\n")
	b.WriteString("Samples CSV:\n")
	b.WriteString(m.csvInput.View() + "\n\n")
	switch m.trainStatus {
	case statusRunning:
		b.WriteString("Fitting...\n")
	case statusDone:
		o := m.trainOut
		b.WriteString(fmt.Sprintf("rows: %d\n", o.rows))
		b.WriteString(fmt.Sprintf("anchors used: F=%.1f S=%.1f\n", o.fitted.FreshAnchor, o.fitted.SpoilAnchor))
		b.WriteString(fmt.Sprintf("w(F_MED)=%.6f  bias=%.6f  acc=%.2f%%\n\n", o.fitted.W, o.fitted.B, o.accuracy))
		b.WriteString("Paste into Arduino Serial:\n")
		b.WriteString(okStyle.Render(o.line) + "\n\n")
		b.WriteString(helpStyle.Render("Press p to push to the device. Press b to go back.") + "\n")
	default:
		b.WriteString(helpStyle.Render("Press Enter to fit a model from the CSV. Press b to go back.") + "\n")
	}
	return b.String()
}

func (m model) viewTest() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Test (live freshness)") + "\n\n")
	if m.dev == nil {
		b.WriteString(errStyle.Render("Not connected.") + "\n")
		return b.String()
	}
	switch m.testStatus {
	case statusRunning:
		if m.testLast == nil {
			b.WriteString("Waiting for telemetry...\n")
		} else {
			u := *m.testLast
			b.WriteString(fmt.Sprintf("E=%7.2fus  MAD=%6.2f   FreshProb=%6.2f%%   Conf=%6.2f%%\n",
				u.Record.EchoUS, u.Record.MADUS, u.FreshPct, u.ConfPct))
		}
		b.WriteString("\n" + helpStyle.Render("Press b to stop and go back.") + "\n")
	default:
		b.WriteString(helpStyle.Render("Press Enter to start live inference. Press b to go back.") + "\n")
	}
	return b.String()
}

func (m model) viewProgram() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Program (bulk upload)") + "\n\n")
	b.WriteString("Samples CSV:\n")
	b.WriteString(m.csvInput.View() + "\n\n")
	switch m.progStatus {
	case statusRunning:
		if m.progTotal > 0 {
			b.WriteString(fmt.Sprintf("Sending row %d/%d...\n", m.progSent, m.progTotal))
		} else {
			b.WriteString("Waiting for device READY...\n")
		}
	case statusDone:
		b.WriteString(okStyle.Render(fmt.Sprintf("Done, %d rows sent.", m.progSent)) + "\n")
	default:
		b.WriteString(helpStyle.Render("Press Enter to upload the CSV to the device. Press b to go back.") + "\n")
	}
	if len(m.progLines) > 0 {
		b.WriteString("\nDevice report:\n")
		for _, l := range m.progLines {
			b.WriteString("  " + l + "\n")
		}
	}
	return b.String()
}

func (m *model) disconnect() {
	m.stopMode()
	if m.dev != nil {
		_ = m.dev.Close()
		m.dev = nil
	}
}

func (m *model) stopMode() {
	if m.modeCancel != nil {
		m.modeCancel()
		m.modeCancel = nil
	}
	m.modeCtx = nil
}

func (m model) updateEntryKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "enter":
		if m.dev == nil && !m.connecting {
			m.connecting = true
			m.lastErr = nil
			return m, tea.Batch(m.spin.Tick, connectCmd(strings.TrimSpace(m.configInput.Value())))
		}
		return m, nil
	case "1":
		if m.dev == nil {
			return m, nil
		}
		m.stopMode()
		m.scr = screenCapture
		m.capStatus = statusIdle
		m.capLast = nil
		m.capSaved = 0
		m.configInput.Blur()
		return m, nil
	case "2":
		if m.dev == nil {
			return m, nil
		}
		m.stopMode()
		m.scr = screenTrain
		m.trainStatus = statusIdle
		m.trainOut = nil
		m.configInput.Blur()
		m.csvInput.Focus()
		m.csvInput.CursorEnd()
		return m, nil
	case "3":
		if m.dev == nil {
			return m, nil
		}
		m.stopMode()
		m.scr = screenTest
		m.testStatus = statusIdle
		m.testLast = nil
		m.configInput.Blur()
		return m, nil
	case "4":
		if m.dev == nil {
			return m, nil
		}
		m.stopMode()
		m.scr = screenProgram
		m.progStatus = statusIdle
		m.progSent = 0
		m.progTotal = 0
		m.progLines = nil
		m.configInput.Blur()
		m.csvInput.Focus()
		m.csvInput.CursorEnd()
		return m, nil
	case "d":
		m.disconnect()
		return m, func() tea.Msg { return disconnectedMsg{} }
	}

	var cmd tea.Cmd
	m.configInput, cmd = m.configInput.Update(k)
	return m, cmd
}

func (m model) updateCaptureKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "b":
		m.stopMode()
		m.scr = screenEntry
		m.configInput.Focus()
		return m, nil
	case "enter":
		if m.capStatus == statusRunning || m.dev == nil {
			return m, nil
		}
		m.capRunID++
		m.modeCtx, m.modeCancel = context.WithCancel(context.Background())
		m.capStatus = statusRunning
		m.capLast = nil
		m.capSaved = 0
		m.capKeys = make(chan rune, 16)
		m.capEvents = make(chan capture.Update, 64)
		sess := capture.NewSession(m.dev, capture.Options{
			MinConf:  m.params.MINCONF,
			Keys:     m.capKeys,
			OnUpdate: pushCapEvent(m.capEvents),
		})
		return m, tea.Batch(
			runCaptureCmd(m.modeCtx, m.capRunID, sess, m.capEvents, m.params.DATA),
			waitCapEvent(m.capRunID, m.capEvents),
		)
	case "f", "s", "q":
		if m.capStatus != statusRunning {
			return m, nil
		}
		select {
		case m.capKeys <- rune(k.String()[0]):
		default:
		}
		return m, nil
	}
	return m, nil
}

func (m model) updateTrainKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "b":
		m.scr = screenEntry
		m.csvInput.Blur()
		m.configInput.Focus()
		return m, nil
	case "enter":
		if m.trainStatus == statusRunning {
			return m, nil
		}
		path := strings.TrimSpace(m.csvInput.Value())
		if path == "" {
			return m, func() tea.Msg { return errMsg{err: fmt.Errorf("csv path is empty")} }
		}
		m.trainStatus = statusRunning
		m.trainOut = nil
		return m, trainCmd(path)
	case "p":
		if m.trainStatus != statusDone || m.trainOut == nil || m.dev == nil {
			return m, nil
		}
		return m, pushWeightsCmd(m.dev, m.trainOut.line)
	}
	var cmd tea.Cmd
	m.csvInput, cmd = m.csvInput.Update(k)
	return m, cmd
}

func (m model) updateTestKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "b":
		m.stopMode()
		m.testRunID++
		m.scr = screenEntry
		m.testStatus = statusIdle
		m.configInput.Focus()
		return m, nil
	case "enter":
		if m.testStatus == statusRunning || m.dev == nil {
			return m, nil
		}
		m.testRunID++
		m.modeCtx, m.modeCancel = context.WithCancel(context.Background())
		m.testStatus = statusRunning
		m.testLast = nil
		m.testEvents = make(chan capture.TestUpdate, 64)
		return m, tea.Batch(
			runTestCmd(m.modeCtx, m.testRunID, m.dev, m.params.DATA, m.testEvents),
			waitTestEvent(m.testRunID, m.testEvents),
		)
	}
	return m, nil
}

func (m model) updateProgramKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "b":
		m.stopMode()
		m.progRunID++
		m.scr = screenEntry
		m.progStatus = statusIdle
		m.csvInput.Blur()
		m.configInput.Focus()
		return m, nil
	case "enter":
		if m.progStatus == statusRunning || m.dev == nil {
			return m, nil
		}
		path := strings.TrimSpace(m.csvInput.Value())
		if path == "" {
			return m, func() tea.Msg { return errMsg{err: fmt.Errorf("csv path is empty")} }
		}
		m.progRunID++
		m.modeCtx, m.modeCancel = context.WithCancel(context.Background())
		m.progStatus = statusRunning
		m.progSent = 0
		m.progTotal = 0
		m.progLines = nil
		m.progEvents = make(chan capture.ProgramUpdate, 128)
		return m, tea.Batch(
			runProgramCmd(m.modeCtx, m.progRunID, m.dev, path, m.progEvents),
			waitProgEvent(m.progRunID, m.progEvents),
		)
	}
	var cmd tea.Cmd
	m.csvInput, cmd = m.csvInput.Update(k)
	return m, cmd
}

func connectCmd(path string) tea.Cmd {
	return func() tea.Msg {
		var p *models.PARAMETERS
		var err error
		if path == "" {
			p = capture.DefaultParameters()
		} else {
			p, err = capture.LoadParameters(path)
			if err != nil {
				return errMsg{err: err}
			}
		}
		if _, err := capture.EnsureSerialPort(path, p, path != ""); err != nil {
			return errMsg{err: err}
		}
		dev, err := serialpkg.Open(p.SERIAL.PORT, p.SERIAL.BAUDRATE)
		if err != nil {
			return errMsg{err: err}
		}
		probeCtx, probeCancel := context.WithCancel(context.Background())
		alive, err := capture.Ping(probeCtx, dev, func(string) { probeCancel() })
		probeCancel()
		if err != nil || !alive {
			_ = dev.Close()
			if err == nil {
				err = fmt.Errorf("no response from device (check baud or firmware)")
			}
			return errMsg{err: err}
		}
		return connectedMsg{dev: dev, params: p, configPath: path}
	}
}

func pushCapEvent(events chan<- capture.Update) func(capture.Update) {
	return func(u capture.Update) {
		select {
		case events <- u:
		default:
		}
	}
}

func runCaptureCmd(ctx context.Context, runID int, sess *capture.Session, events chan capture.Update, dataPath string) tea.Cmd {
	return func() tea.Msg {
		samples, runErr := sess.Run(ctx)
		close(events)
		if runErr != nil && len(samples) == 0 {
			return capDoneMsg{runID: runID, err: runErr}
		}
		if err := store.Save(dataPath, samples); err != nil {
			return capDoneMsg{runID: runID, err: err}
		}
		if runErr != nil {
			return capDoneMsg{runID: runID, saved: len(samples), path: dataPath, err: runErr}
		}
		return capDoneMsg{runID: runID, saved: len(samples), path: dataPath}
	}
}

func waitCapEvent(runID int, ch <-chan capture.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return capClosedMsg{runID: runID}
		}
		return capEventMsg{runID: runID, u: u}
	}
}

func trainCmd(path string) tea.Cmd {
	return func() tea.Msg {
		samples, err := store.Load(path)
		if err != nil {
			return trainDoneMsg{err: err}
		}
		if len(samples) == 0 {
			return trainDoneMsg{err: fmt.Errorf("no rows to train")}
		}
		fitted, err := train.Fit(samples)
		if err != nil {
			return trainDoneMsg{err: err}
		}
		return trainDoneMsg{out: &trainOutcome{
			rows:     len(samples),
			fitted:   fitted,
			accuracy: train.Accuracy(fitted, samples) * 100,
			line:     protocol.BuildWeightLine(fitted.W, fitted.B),
		}}
	}
}

func pushWeightsCmd(dev *serialpkg.Session, line string) tea.Cmd {
	return func() tea.Msg {
		if err := dev.Send(line); err != nil {
			return errMsg{err: err}
		}
		return infoMsg{s: "Weights pushed to device."}
	}
}

func runTestCmd(ctx context.Context, runID int, dev *serialpkg.Session, dataPath string, events chan capture.TestUpdate) tea.Cmd {
	return func() tea.Msg {
		fa, sa := models.DefaultFreshAnchor, models.DefaultSpoilAnchor
		if samples, err := store.Load(dataPath); err == nil && len(samples) > 0 {
			fa, sa = echo.MedianAnchors(samples)
		}
		err := capture.LiveTest(ctx, dev, fa, sa, func(u capture.TestUpdate) {
			select {
			case events <- u:
			default:
			}
		})
		close(events)
		return testDoneMsg{runID: runID, err: err}
	}
}

func waitTestEvent(runID int, ch <-chan capture.TestUpdate) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return testClosedMsg{runID: runID}
		}
		return testEventMsg{runID: runID, u: u}
	}
}

func runProgramCmd(ctx context.Context, runID int, dev *serialpkg.Session, path string, events chan capture.ProgramUpdate) tea.Cmd {
	return func() tea.Msg {
		rows, err := store.LoadLoose(path)
		if err != nil {
			close(events)
			return progDoneMsg{runID: runID, err: err}
		}
		if len(rows) == 0 {
			close(events)
			return progDoneMsg{runID: runID, err: fmt.Errorf("no usable rows in %s", path)}
		}
		sent, err := capture.Program(ctx, dev, rows, capture.ProgramOptions{}, func(u capture.ProgramUpdate) {
			select {
			case events <- u:
			case <-ctx.Done():
			}
		})
		close(events)
		return progDoneMsg{runID: runID, sent: sent, err: err}
	}
}

func waitProgEvent(runID int, ch <-chan capture.ProgramUpdate) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return progClosedMsg{runID: runID}
		}
		return progEventMsg{runID: runID, u: u}
	}
}

func main() {
	p := tea.NewProgram(initialModel(), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}
