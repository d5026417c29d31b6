package capture

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/CK6170/fruitell-go/models"
	"github.com/CK6170/fruitell-go/protocol"
)

// ProgramPhase identifies what a ProgramUpdate reports.
type ProgramPhase string

const (
	// ProgramReady covers the handshake before row upload.
	ProgramReady ProgramPhase = "ready"
	// ProgramSending reports row upload progress.
	ProgramSending ProgramPhase = "sending"
	// ProgramReport forwards the device's self-test output.
	ProgramReport ProgramPhase = "report"
	// ProgramStatus forwards the final status snapshot.
	ProgramStatus ProgramPhase = "status"
)

// ProgramUpdate is one progress report from an upload run.
type ProgramUpdate struct {
	Phase ProgramPhase
	Line  string // device output, empty for sending updates
	Sent  int
	Total int
}

// ProgramOptions tune the upload run. Zero values take the defaults.
type ProgramOptions struct {
	// ReportWindow is how long to collect the device's self-test report
	// after the last row. Default 12s; slower boards need more.
	ReportWindow time.Duration
	// ReadyWindow bounds the wait for the device's ready marker.
	ReadyWindow time.Duration
	// StatusWindow bounds the final status read.
	StatusWindow time.Duration
	// RowDelay paces row writes so the device-side parser keeps up.
	RowDelay time.Duration
}

const (
	defaultReportWindow = 12 * time.Second
	defaultReadyWindow  = 3 * time.Second
	defaultStatusWindow = 2 * time.Second
	defaultRowDelay     = 80 * time.Millisecond
)

func (o *ProgramOptions) applyDefaults() {
	if o.ReportWindow <= 0 {
		o.ReportWindow = defaultReportWindow
	}
	if o.ReadyWindow <= 0 {
		o.ReadyWindow = defaultReadyWindow
	}
	if o.StatusWindow <= 0 {
		o.StatusWindow = defaultStatusWindow
	}
	if o.RowDelay <= 0 {
		o.RowDelay = defaultRowDelay
	}
}

// Program replays stored samples into the device's on-board trainer over
// the upload protocol and collects its self-test report. Rows go out
// slowly and CRLF-terminated because the device-side line reader drops
// input during flash writes. Returns the number of rows sent.
func Program(ctx context.Context, dev Device, samples []models.Sample, opts ProgramOptions, onUpdate func(ProgramUpdate)) (int, error) {
	opts.applyDefaults()
	emit := func(u ProgramUpdate) {
		if onUpdate != nil {
			onUpdate(u)
		}
	}
	total := len(samples)

	if err := dev.Send(protocol.CmdUploadBegin + "\r\n"); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(opts.ReadyWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		line, err := dev.ReadLine()
		if err != nil {
			return 0, fmt.Errorf("upload handshake: %w", err)
		}
		if line == "" {
			continue
		}
		emit(ProgramUpdate{Phase: ProgramReady, Line: line, Total: total})
		if strings.Contains(line, protocol.UploadReady) {
			break
		}
	}

	sent := 0
	for _, s := range samples {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		default:
		}
		row := fmt.Sprintf("%d,%d,%d,%d\r\n",
			int(s.EchoUS), int(s.Label), int(s.FreshAnchor), int(s.SpoilAnchor))
		if err := dev.Send(row); err != nil {
			return sent, fmt.Errorf("upload row %d: %w", sent+1, err)
		}
		sent++
		emit(ProgramUpdate{Phase: ProgramSending, Sent: sent, Total: total})
		time.Sleep(opts.RowDelay)
	}

	if err := dev.Send(protocol.CmdUploadEnd + "\r\n"); err != nil {
		return sent, err
	}

	deadline = time.Now().Add(opts.ReportWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		default:
		}
		line, err := dev.ReadLine()
		if err != nil {
			return sent, fmt.Errorf("upload report: %w", err)
		}
		if line != "" {
			emit(ProgramUpdate{Phase: ProgramReport, Line: line, Sent: sent, Total: total})
		}
	}

	if err := dev.Send(protocol.CmdStatus + "\r\n"); err != nil {
		return sent, err
	}
	time.Sleep(200 * time.Millisecond)

	deadline = time.Now().Add(opts.StatusWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		default:
		}
		line, err := dev.ReadLine()
		if err != nil {
			return sent, fmt.Errorf("status read: %w", err)
		}
		if line != "" {
			emit(ProgramUpdate{Phase: ProgramStatus, Line: line, Sent: sent, Total: total})
		}
	}
	return sent, nil
}
